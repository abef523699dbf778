// Package registry tracks live subscriber connections per conversation and
// fans events out to them.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
)

// Config holds registry limits and timings.
type Config struct {
	// MaxPerConversation caps connections of one channel kind per conversation.
	MaxPerConversation int
	// MaxPerIP caps connections from one remote IP across all conversations. 0 disables.
	MaxPerIP int
	// HeartbeatInterval is how long a connection may stay silent before draining.
	HeartbeatInterval time.Duration
	// DrainGrace is how long a draining connection is kept before it is closed.
	DrainGrace time.Duration
	// SendTimeout bounds how long a dispatch waits on one full connection buffer.
	SendTimeout time.Duration
	// Buffer is the per-connection outbound queue length.
	Buffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerConversation: 50,
		MaxPerIP:           100,
		HeartbeatInterval:  30 * time.Second,
		DrainGrace:         10 * time.Second,
		SendTimeout:        2 * time.Second,
		Buffer:             64,
	}
}

// CloseHook is called once for every connection that leaves the registry.
type CloseHook func(info model.ConnectionInfo, reason model.CloseReason)

// Registry maps conversation id to its live connections. The owning
// direction is conversation -> connection set; connections refer back to
// their conversation by id only.
type Registry struct {
	cfg    Config
	clock  model.Clock
	logger *logger.Logger

	mu    sync.RWMutex
	convs map[string]*connSet

	byID sync.Map // connection id -> *Connection

	ipMu  sync.Mutex
	perIP map[string]int

	hookMu     sync.RWMutex
	closeHooks []CloseHook
}

type connSet struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	byHandle map[string]*Connection
	counts   map[model.ChannelKind]int
	removed  bool
}

// New creates a registry.
func New(cfg Config, clock model.Clock, log *logger.Logger) *Registry {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	return &Registry{
		cfg:    cfg,
		clock:  clock,
		logger: log.Component("registry"),
		convs:  make(map[string]*connSet),
		perIP:  make(map[string]int),
	}
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// OnClose registers a hook run after a connection is unregistered.
func (r *Registry) OnClose(hook CloseHook) {
	r.hookMu.Lock()
	r.closeHooks = append(r.closeHooks, hook)
	r.hookMu.Unlock()
}

// HasCapacity implements admission.CapacityChecker.
func (r *Registry) HasCapacity(conversationID string, kind model.ChannelKind, remoteIP string) (bool, string) {
	if r.cfg.MaxPerIP > 0 && remoteIP != "" {
		r.ipMu.Lock()
		n := r.perIP[remoteIP]
		r.ipMu.Unlock()
		if n >= r.cfg.MaxPerIP {
			return false, "per-ip connection cap reached"
		}
	}
	if r.Count(conversationID, kind) >= r.cfg.MaxPerConversation {
		return false, fmt.Sprintf("conversation %s cap reached", kind)
	}
	return true, ""
}

// Count returns how many connections of kind the conversation holds.
func (r *Registry) Count(conversationID string, kind model.ChannelKind) int {
	r.mu.RLock()
	set, ok := r.convs[conversationID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	return set.counts[kind]
}

// Len returns the total number of registered connections.
func (r *Registry) Len() int {
	n := 0
	r.byID.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Register adds the admitted connection to its conversation and marks it
// Active. Registering the same handle again returns the existing connection.
// Caps are re-checked here because admission and registration race.
func (r *Registry) Register(h model.AdmissionHandle) (*Connection, error) {
	for {
		set := r.getOrCreateSet(h.ConversationID)

		set.mu.Lock()
		if set.removed {
			set.mu.Unlock()
			continue
		}

		if existing, ok := set.byHandle[h.ID]; ok {
			set.mu.Unlock()
			return existing, nil
		}

		if set.counts[h.Kind] >= r.cfg.MaxPerConversation {
			set.mu.Unlock()
			return nil, fmt.Errorf("%w: conversation %s cap reached", model.ErrCapacityExceeded, h.Kind)
		}
		if !r.reserveIP(h.RemoteIP) {
			set.mu.Unlock()
			return nil, fmt.Errorf("%w: per-ip connection cap reached", model.ErrCapacityExceeded)
		}

		conn := newConnection(uuid.NewString(), h, r.clock.Now(), r.cfg.Buffer)
		set.conns[conn.id] = conn
		set.byHandle[h.ID] = conn
		set.counts[h.Kind]++
		r.byID.Store(conn.id, conn)
		conn.activate()
		set.mu.Unlock()

		metrics.IncrementConnections(string(h.Kind))
		r.logger.Debug("connection registered",
			zap.String("connection_id", conn.id),
			zap.String("conversation_id", h.ConversationID),
			zap.String("kind", string(h.Kind)),
		)
		return conn, nil
	}
}

// Unregister removes the connection. It is safe to call repeatedly and from
// racing paths; only the first call has an effect and it reports true.
func (r *Registry) Unregister(connectionID string, reason model.CloseReason) bool {
	v, ok := r.byID.LoadAndDelete(connectionID)
	if !ok {
		return false
	}
	conn := v.(*Connection)

	r.mu.RLock()
	set, ok := r.convs[conn.conversationID]
	r.mu.RUnlock()

	empty := false
	if ok {
		set.mu.Lock()
		if _, present := set.conns[conn.id]; present {
			delete(set.conns, conn.id)
			delete(set.byHandle, conn.handleID)
			set.counts[conn.kind]--
		}
		empty = len(set.conns) == 0
		set.mu.Unlock()
	}
	if empty {
		r.removeSetIfEmpty(conn.conversationID)
	}

	r.releaseIP(conn.remoteIP)
	info := conn.Info()
	conn.close(reason)

	metrics.DecrementConnections(string(conn.kind), string(reason))
	r.logger.Debug("connection unregistered",
		zap.String("connection_id", conn.id),
		zap.String("conversation_id", conn.conversationID),
		zap.String("reason", string(reason)),
	)

	r.hookMu.RLock()
	hooks := r.closeHooks
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(info, reason)
	}
	return true
}

// Get returns a registered connection.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	v, ok := r.byID.Load(connectionID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Touch records a heartbeat from the connection. It fails for connections
// that are gone or already draining.
func (r *Registry) Touch(connectionID string) error {
	conn, ok := r.Get(connectionID)
	if !ok || !conn.touch(r.clock.Now()) {
		return model.ErrConnectionClosed
	}
	return nil
}

// Connections returns a snapshot of the conversation's connections in the
// given state.
func (r *Registry) Connections(conversationID string, state model.ConnectionState) []*Connection {
	r.mu.RLock()
	set, ok := r.convs[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]*Connection, 0, len(set.conns))
	for _, c := range set.conns {
		if c.State() == state {
			out = append(out, c)
		}
	}
	return out
}

// MarkFailed starts draining a connection after a failed send.
func (r *Registry) MarkFailed(conn *Connection, err error) {
	if conn.drain(model.CloseDeliveryFailed, r.clock.Now()) {
		metrics.DeliveryFailures.Inc()
		r.logger.Warn("delivery failed, draining connection",
			zap.String("connection_id", conn.id),
			zap.String("conversation_id", conn.conversationID),
			zap.Error(err),
		)
	}
}

// SweepResult summarizes one heartbeat sweep.
type SweepResult struct {
	Draining int
	Closed   int
}

// Sweep drains connections that missed their heartbeat and closes those
// whose drain grace has run out.
func (r *Registry) Sweep() SweepResult {
	now := r.clock.Now()
	var res SweepResult

	var expired []*Connection
	var reasons []model.CloseReason

	r.byID.Range(func(_, v any) bool {
		conn := v.(*Connection)

		last := time.Unix(0, conn.lastHeartbeat.Load())
		if now.Sub(last) > r.cfg.HeartbeatInterval {
			if conn.drain(model.CloseHeartbeatTimeout, now) {
				res.Draining++
				r.logger.Info("heartbeat missed, draining connection",
					zap.String("connection_id", conn.id),
					zap.String("conversation_id", conn.conversationID),
					zap.Duration("silent_for", now.Sub(last)),
				)
			}
		}

		if done, reason := conn.drainExpired(now, r.cfg.DrainGrace); done {
			expired = append(expired, conn)
			reasons = append(reasons, reason)
		}
		return true
	})

	for i, conn := range expired {
		if r.Unregister(conn.id, reasons[i]) {
			res.Closed++
		}
	}
	return res
}

// CloseAll unregisters every connection, e.g. on shutdown.
func (r *Registry) CloseAll(reason model.CloseReason) int {
	var ids []string
	r.byID.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	n := 0
	for _, id := range ids {
		if r.Unregister(id, reason) {
			n++
		}
	}
	return n
}

func (r *Registry) getOrCreateSet(conversationID string) *connSet {
	r.mu.RLock()
	set, ok := r.convs[conversationID]
	r.mu.RUnlock()
	if ok {
		return set
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok = r.convs[conversationID]; ok {
		return set
	}
	set = &connSet{
		conns:    make(map[string]*Connection),
		byHandle: make(map[string]*Connection),
		counts:   make(map[model.ChannelKind]int),
	}
	r.convs[conversationID] = set
	return set
}

// removeSetIfEmpty deletes an empty set. Lock order is r.mu then set.mu.
func (r *Registry) removeSetIfEmpty(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.convs[conversationID]
	if !ok {
		return
	}
	set.mu.Lock()
	if len(set.conns) == 0 && !set.removed {
		set.removed = true
		delete(r.convs, conversationID)
	}
	set.mu.Unlock()
}

func (r *Registry) reserveIP(ip string) bool {
	if ip == "" {
		return true
	}
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	if r.cfg.MaxPerIP > 0 && r.perIP[ip] >= r.cfg.MaxPerIP {
		return false
	}
	r.perIP[ip]++
	return true
}

func (r *Registry) releaseIP(ip string) {
	if ip == "" {
		return
	}
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	if r.perIP[ip] <= 1 {
		delete(r.perIP, ip)
		return
	}
	r.perIP[ip]--
}
