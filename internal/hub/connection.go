// ABOUTME: One agent's live channel: bounded outbound queue, writer goroutine, backpressure
// ABOUTME: Context broadcasts are shed first, then control messages; action messages are never dropped

package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed is returned when sending on a closed channel.
var ErrConnectionClosed = errors.New("connection closed")

// ErrDropped is returned when a message was shed because the queue is full.
var ErrDropped = errors.New("message dropped: outbound queue full")

// Connection is the hub's handle on one agent's live channel.
type Connection struct {
	agentID   string
	transport Transport
	logger    *slog.Logger

	limit      int
	retries    int
	retryDelay time.Duration

	mu       sync.Mutex
	queue    []Message
	overflow []Message // action messages waiting for queue space, in order
	retrying bool
	closed   bool
	encoding Encoding

	subMu         sync.RWMutex
	subscriptions map[string]bool // nil means every context type

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Int64
	sent    atomic.Int64
}

func newConnection(agentID string, t Transport, cfg Config, logger *slog.Logger) *Connection {
	return &Connection{
		agentID:    agentID,
		transport:  t,
		logger:     logger.With("agent_id", agentID),
		limit:      cfg.QueueSize,
		retries:    cfg.CriticalRetries,
		retryDelay: cfg.CriticalRetryDelay,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// AgentID returns the agent this channel belongs to.
func (c *Connection) AgentID() string {
	return c.agentID
}

// Dropped returns how many messages were shed for this channel.
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

// Done is closed once the channel is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) setEncoding(enc Encoding) {
	c.mu.Lock()
	c.encoding = enc
	c.mu.Unlock()
}

func (c *Connection) setSubscriptions(types []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(types) == 0 {
		c.subscriptions = nil
		return
	}
	c.subscriptions = make(map[string]bool, len(types))
	for _, t := range types {
		c.subscriptions[t] = true
	}
}

func (c *Connection) subscribed(contextType string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subscriptions == nil || c.subscriptions[contextType]
}

// Send queues msg for delivery. Context and control messages are shed when
// the queue is full; action messages wait for space and close the channel
// if none frees up.
func (c *Connection) Send(msg Message) error {
	cls := classOf(msg.Type)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}

	// Pending action messages hold their place; nothing may overtake them.
	if len(c.overflow) > 0 {
		if cls != classCritical {
			c.mu.Unlock()
			c.shed(msg)
			return ErrDropped
		}
		c.overflow = append(c.overflow, msg)
		c.mu.Unlock()
		return nil
	}

	if len(c.queue) >= c.limit && !c.makeRoomLocked(cls) {
		if cls != classCritical {
			c.mu.Unlock()
			c.shed(msg)
			return ErrDropped
		}
		c.overflow = append(c.overflow, msg)
		start := !c.retrying
		c.retrying = true
		c.mu.Unlock()
		if start {
			go c.retryOverflow()
		}
		return nil
	}

	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.signal()
	return nil
}

// makeRoomLocked sheds one queued message to admit an incoming one of class
// incoming. Context broadcasts go first; control messages only make room
// for control or action messages.
func (c *Connection) makeRoomLocked(incoming class) bool {
	victim := c.oldestLocked(classContext)
	if victim < 0 && incoming != classContext {
		victim = c.oldestLocked(classControl)
	}
	if victim < 0 {
		return false
	}
	msg := c.queue[victim]
	c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
	c.dropped.Add(1)
	c.logger.Debug("shed queued message", "type", msg.Type)
	return true
}

func (c *Connection) oldestLocked(cls class) int {
	for i, m := range c.queue {
		if classOf(m.Type) == cls {
			return i
		}
	}
	return -1
}

func (c *Connection) shed(msg Message) {
	c.dropped.Add(1)
	c.logger.Debug("dropped outbound message", "type", msg.Type)
}

// retryOverflow moves waiting action messages into the queue as space
// frees. If no progress is made after the configured retries the channel is
// considered unresponsive and closed.
func (c *Connection) retryOverflow() {
	attempts := 0
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.retryDelay):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		moved := 0
		for len(c.overflow) > 0 && (len(c.queue) < c.limit || c.makeRoomLocked(classCritical)) {
			c.queue = append(c.queue, c.overflow[0])
			c.overflow = c.overflow[1:]
			moved++
		}
		remaining := len(c.overflow)
		if remaining == 0 {
			c.overflow = nil
			c.retrying = false
		}
		c.mu.Unlock()

		if moved > 0 {
			c.signal()
			attempts = 0
		}
		if remaining == 0 {
			return
		}

		attempts++
		if attempts >= c.retries {
			c.logger.Warn("closing unresponsive connection",
				"pending_actions", remaining,
				"retries", c.retries)
			c.Close()
			return
		}
	}
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) next() (Message, Encoding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Message{}, c.encoding, false
	}
	msg := c.queue[0]
	c.queue[0] = Message{}
	c.queue = c.queue[1:]
	return msg, c.encoding, true
}

// writeLoop drains the queue in order until the channel closes or a write
// fails.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			msg, enc, ok := c.next()
			if !ok {
				break
			}
			frame, err := Encode(enc, msg)
			if err != nil {
				c.logger.Error("encoding outbound message", "type", msg.Type, "error", err)
				continue
			}
			if err := c.transport.WriteFrame(frame); err != nil {
				c.logger.Warn("write failed, closing connection", "type", msg.Type, "error", err)
				c.Close()
				return
			}
			c.sent.Add(1)
		}
	}
}

// Close shuts the channel. Queued messages are discarded.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.overflow = nil
		c.mu.Unlock()
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("closing transport", "error", err)
		}
	})
}
