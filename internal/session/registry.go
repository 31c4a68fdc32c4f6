package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthside-labs/hearth-core/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Info is a read-only snapshot of one registry entry.
type Info struct {
	SessionID  string    `json:"session_id"`
	DeviceID   string    `json:"device_id"`
	State      State     `json:"state"`
	ActiveTurn string    `json:"active_turn,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Registry is the process-wide device-to-session table. The registry mutex
// guards only the map; per-session state is guarded by each session's own
// lock, so no lock ever spans two sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	meter        metric.Meter
	sessionGauge metric.Int64ObservableGauge
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      log.With(slog.String("component", "session-registry")),
		meter:    otel.Meter("github.com/hearthside-labs/hearth-core/session"),
	}
	r.initMetrics()
	return r
}

func (r *Registry) initMetrics() {
	gauge, err := r.meter.Int64ObservableGauge("hearth.sessions.active",
		metric.WithDescription("Sessions currently registered"))
	if err != nil {
		r.log.Warn("failed to create session gauge", slog.String("error", err.Error()))
		return
	}
	r.sessionGauge = gauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r.mu.RLock()
		n := len(r.sessions)
		r.mu.RUnlock()
		o.ObserveInt64(r.sessionGauge, int64(n))
		return nil
	}, r.sessionGauge)
	if err != nil {
		r.log.Warn("failed to register session gauge callback", slog.String("error", err.Error()))
	}
}

// Attach returns the session for deviceID, creating it on first contact.
// The boolean reports whether a new session was created.
func (r *Registry) Attach(deviceID string, format audio.Format) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[deviceID]; ok {
		return existing, false
	}
	sess := New(deviceID, format)
	r.sessions[deviceID] = sess
	r.log.Info("session created",
		slog.String("device_id", deviceID),
		slog.String("session_id", sess.ID))
	return sess, true
}

// Lookup finds the live session for a device.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[deviceID]
	return sess, ok
}

// Remove drops the session for deviceID, returning it if present. Used on
// transport disconnect, which destroys the session immediately.
func (r *Registry) Remove(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, deviceID)
	r.log.Info("session removed",
		slog.String("device_id", deviceID),
		slog.String("session_id", sess.ID))
	return sess, true
}

// Snapshot lists all registered sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, Info{
			SessionID:  sess.ID,
			DeviceID:   sess.DeviceID,
			State:      sess.State(),
			ActiveTurn: sess.ActiveTurn(),
			LastSeen:   sess.LastSeen(),
		})
	}
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartEviction runs the idle sweep until ctx is done. Idle sessions are only
// evicted from Idle state; onEvict runs outside the registry lock.
func (r *Registry) StartEviction(ctx context.Context, period, idleAfter time.Duration, onEvict func(*Session)) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(idleAfter, onEvict)
			}
		}
	}()
}

func (r *Registry) sweep(idleAfter time.Duration, onEvict func(*Session)) {
	r.mu.Lock()
	var evicted []*Session
	for deviceID, sess := range r.sessions {
		if sess.State() == StateIdle && sess.IdleFor() > idleAfter {
			delete(r.sessions, deviceID)
			evicted = append(evicted, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range evicted {
		r.log.Info("session evicted after idle period",
			slog.String("device_id", sess.DeviceID),
			slog.String("session_id", sess.ID))
		if onEvict != nil {
			onEvict(sess)
		}
	}
}

// Close stops the eviction loop.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
