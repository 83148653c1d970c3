// Package hub maintains one live channel per agent and pushes hub events to
// connected agents.
//
// # Channels
//
// A channel is a websocket (or any Transport) identified by the agent ID in
// its URL. Opening a second channel for the same agent closes the first one
// without marking the agent inactive; closing the current channel re-registers
// the agent as inactive.
//
// Text frames carry JSON and binary frames carry CBOR. Replies use whichever
// encoding the agent last sent.
//
// # Inbound messages
//
//	{"type": "register",      "request_id": "...", "payload": {"agent_type", "capabilities", "metadata", "subscriptions"}}
//	{"type": "context",       "request_id": "...", "payload": {"context_type", "data", "priority"}}
//	{"type": "action_result", "request_id": "...", "payload": {"action_id", "result", "success"}}
//	{"type": "heartbeat"}
//	{"type": "query",         "request_id": "...", "payload": {"agent_id", "context_type", "since", ...}}
//
// Every inbound message counts as a heartbeat. A message that fails to
// decode or validate produces an error message on the same channel; the
// channel stays open.
//
// # Outbound messages
//
// welcome, registered, ack, pong, error and query_response answer the agent.
// context_broadcast, agent_status, action_request and action_completed are
// pushed as the hub changes.
//
// # Backpressure
//
// Each channel has a bounded queue drained by its own writer goroutine. When
// the queue is full the oldest context broadcast is shed first, then the
// oldest control message. Action requests and completions are never shed:
// they wait for space and the channel is closed as unresponsive if none
// frees up.
package hub
