package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
)

// Connection is one live subscriber. The registry owns it; transports read
// from Events until Done is closed.
type Connection struct {
	id             string
	handleID       string
	conversationID string
	kind           model.ChannelKind
	remoteIP       string
	origin         string
	connectedAt    time.Time

	lastHeartbeat atomic.Int64 // unix nanos

	mu            sync.Mutex
	state         model.ConnectionState
	drainReason   model.CloseReason
	drainingSince time.Time
	closeReason   model.CloseReason

	out       chan model.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, h model.AdmissionHandle, now time.Time, buffer int) *Connection {
	c := &Connection{
		id:             id,
		handleID:       h.ID,
		conversationID: h.ConversationID,
		kind:           h.Kind,
		remoteIP:       h.RemoteIP,
		origin:         h.Origin,
		connectedAt:    now,
		state:          model.StatePending,
		out:            make(chan model.Event, buffer),
		done:           make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// ID returns the process-unique connection id.
func (c *Connection) ID() string { return c.id }

// ConversationID returns the conversation this connection subscribes to.
func (c *Connection) ConversationID() string { return c.conversationID }

// Kind returns the channel kind.
func (c *Connection) Kind() model.ChannelKind { return c.kind }

// Events delivers dispatched events in conversation order.
func (c *Connection) Events() <-chan model.Event { return c.out }

// Done is closed once the connection leaves the registry.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseReason is valid after Done is closed.
func (c *Connection) CloseReason() model.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// State returns the current lifecycle state.
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() model.ConnectionInfo {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return model.ConnectionInfo{
		ID:              c.id,
		ConversationID:  c.conversationID,
		Kind:            c.kind,
		RemoteIP:        c.remoteIP,
		Origin:          c.origin,
		State:           state,
		ConnectedAt:     c.connectedAt,
		LastHeartbeatAt: time.Unix(0, c.lastHeartbeat.Load()),
	}
}

func (c *Connection) activate() {
	c.mu.Lock()
	if c.state == model.StatePending {
		c.state = model.StateActive
	}
	c.mu.Unlock()
}

// touch records liveness and reports whether the connection is still
// Active. A Draining connection is not revived: dispatch skipped it, so it
// may have missed events and must reconnect with its last id.
func (c *Connection) touch(now time.Time) bool {
	c.lastHeartbeat.Store(now.UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.StateActive
}

// drain moves an Active connection to Draining. Returns false if it was not Active.
func (c *Connection) drain(reason model.CloseReason, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.StateActive {
		return false
	}
	c.state = model.StateDraining
	c.drainReason = reason
	c.drainingSince = now
	return true
}

// drainExpired reports whether the connection has been draining for at least grace.
func (c *Connection) drainExpired(now time.Time, grace time.Duration) (bool, model.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.StateDraining {
		return false, ""
	}
	return now.Sub(c.drainingSince) >= grace, c.drainReason
}

func (c *Connection) close(reason model.CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = model.StateClosed
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// enqueue hands ev to the connection's writer. A full buffer is retried
// until timeout; the out channel is never closed, so late sends are safe.
func (c *Connection) enqueue(ev model.Event, timeout time.Duration) error {
	select {
	case <-c.done:
		return model.ErrConnectionClosed
	default:
	}

	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return model.ErrConnectionClosed
	default:
	}

	if timeout <= 0 {
		return model.ErrDeliveryFailed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return model.ErrConnectionClosed
	case <-timer.C:
		return model.ErrDeliveryFailed
	}
}
