// Package client talks to a running mcp-hub.
//
// # Agent SDK
//
// Agent keeps a live channel open for one agent. It registers on every
// connect, sends a heartbeat every 30 seconds, and reconnects with
// exponential backoff (1s doubling to at most 60s, with jitter) when the
// channel drops.
//
//	a, err := client.NewAgent(client.AgentOptions{
//	    HubURL:        "http://hub.local:8080",
//	    AgentID:       "robot-1",
//	    AgentType:     "robot",
//	    Capabilities:  []string{"greet"},
//	    Subscriptions: []string{"face_detected"},
//	    OnContext: func(e *store.ContextEntry) { ... },
//	    OnAction: func(ctx context.Context, a *store.ActionRecord) (any, bool) {
//	        return map[string]any{"said": "hello"}, true
//	    },
//	})
//	go a.Run(ctx)
//	id, err := a.Publish(ctx, "speech", map[string]any{"text": "hi"}, 3)
//
// # REST client
//
// Client wraps the REST endpoints the CLI needs: health, agents, stats and
// logging actions.
package client
