// Package session tracks in-flight research sessions. Sessions live only in
// memory and are removed on terminal transition; there is no persistence.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Handle is one running research session.
type Handle struct {
	ID        string
	Question  string
	CreatedAt time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Done is closed when the session reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Registry owns the live session set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Handle),
		logger:   logger,
	}
}

// Begin registers a new session and returns its handle plus the derived
// context the research run must use.
func (r *Registry) Begin(ctx context.Context, question string) (*Handle, context.Context) {
	runCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		ID:        uuid.New().String(),
		Question:  question,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[h.ID] = h
	r.mu.Unlock()

	r.logger.Info("session registered",
		zap.String("session_id", h.ID),
	)
	return h, runCtx
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Cancel requests cooperative cancellation of a session.
func (r *Registry) Cancel(id string, reason error) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.cancel(reason)
	return nil
}

// End removes a terminal session. Idempotent.
func (r *Registry) End(id string) {
	r.mu.Lock()
	h, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		h.cancel(nil)
		close(h.done)
		r.logger.Info("session ended",
			zap.String("session_id", id),
			zap.Duration("lifetime", time.Since(h.CreatedAt)),
		)
	}
}

// Len returns the live session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
