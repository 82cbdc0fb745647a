// Package chat drives chat sessions: creation, lazy hydration from the
// persistence gateway, cyclic navigation and streamed turns.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/options"
	"TermChat/internal/session"
)

// CreateRequest carries everything needed to start a new session.
type CreateRequest struct {
	Name      string
	Model     string
	System    string
	Format    session.Format
	Options   options.Overrides
	KeepAlive time.Duration
}

// Validate checks the request before anything is allocated.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &apperr.ValidationError{Field: "model", Reason: "required"}
	}
	if r.Format != session.FormatText && r.Format != session.FormatJSON {
		return &apperr.ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q (text|json)", string(r.Format))}
	}
	if r.KeepAlive < 0 {
		return &apperr.ValidationError{Field: "keep_alive", Reason: "must not be negative"}
	}
	return r.Options.Validate()
}

// ErrClosed is returned for turns submitted after Close.
var ErrClosed = errors.New("session registry is closed")

type entry struct {
	// mu serializes hydration of this entry only.
	mu      sync.Mutex
	loaded  bool
	session *Session
}

// Registry owns every session, their navigation order and their hydration.
type Registry struct {
	gateway Gateway
	client  Streamer
	logger  *slog.Logger

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry

	// named is the highest default chat number handed out so far.
	named  int
	closed bool
	turns  sync.WaitGroup
}

func NewRegistry(gateway Gateway, client Streamer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		gateway: gateway,
		client:  client,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Load populates the registry from the gateway in persisted order. Sessions
// already known are left untouched.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.gateway.ListSessions(ctx)
	if err != nil {
		return asPersistence(err, "list", "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if _, ok := r.entries[rec.ID]; ok {
			continue
		}
		r.entries[rec.ID] = &entry{session: newSession(rec, r.gateway, r.client, r.logger)}
		r.order = append(r.order, rec.ID)
	}
	r.logger.Info("sessions loaded", "count", len(records))
	return nil
}

// CreateSession validates req, allocates a durable id and appends the new
// session to the navigation order. On failure nothing is added.
func (r *Registry) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	settings := session.Settings{
		Name:      strings.TrimSpace(req.Name),
		Model:     strings.TrimSpace(req.Model),
		System:    req.System,
		Format:    req.Format,
		Options:   req.Options,
		KeepAlive: req.KeepAlive,
	}
	if settings.Name == "" {
		r.mu.Lock()
		r.named = max(r.named, len(r.order)) + 1
		settings.Name = fmt.Sprintf("chat #%d - %s", r.named, settings.Model)
		r.mu.Unlock()
	}

	id, err := r.gateway.AllocateSession(ctx, settings)
	if err != nil {
		return "", asPersistence(err, "allocate", "")
	}

	rec := session.Record{ID: id, CreatedAt: time.Now().UTC(), Settings: settings}
	s := newSession(rec, r.gateway, r.client, r.logger)
	s.hydrate(nil)
	r.mu.Lock()
	r.entries[id] = &entry{loaded: true, session: s}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", id, "model", settings.Model, "name", settings.Name)
	return id, nil
}

// ListSessions returns session ids in persisted/creation order.
func (r *Registry) ListSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Records returns session headers in navigation order.
func (r *Registry) Records() []session.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].session.Record())
	}
	return out
}

// Get returns the session without hydrating it. Turns on a session that
// was never activated fail with apperr.ErrNotLoaded.
func (r *Registry) Get(id string) (*Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// Activate returns the session, loading its history from the gateway the
// first time. A failed load is retried on the next call.
func (r *Registry) Activate(ctx context.Context, id string) (*Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.session, nil
	}

	msgs, err := r.gateway.LoadMessages(ctx, id)
	if err != nil {
		return nil, asPersistence(err, "load", id)
	}
	e.session.hydrate(msgs)
	e.loaded = true
	r.logger.Debug("session hydrated", "session_id", id, "messages", len(msgs))
	return e.session, nil
}

// Cycle returns the id delta steps away from currentID, wrapping in both
// directions. With fewer than two sessions currentID is returned unchanged.
func (r *Registry) Cycle(currentID string, delta int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.order)
	if n <= 1 {
		return currentID, nil
	}
	idx := -1
	for i, id := range r.order {
		if id == currentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", &apperr.NotFoundError{ID: currentID}
	}
	return r.order[((idx+delta)%n+n)%n], nil
}

// Submit activates id and streams a turn. onChunk may be nil.
func (r *Registry) Submit(ctx context.Context, id, text string, images []string, onChunk func(string)) (Reply, error) {
	if err := r.begin(); err != nil {
		return Reply{}, err
	}
	defer r.turns.Done()

	s, err := r.Activate(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	return s.Submit(ctx, text, images, onChunk)
}

// Complete activates id and runs a non-streaming turn.
func (r *Registry) Complete(ctx context.Context, id, text string, images []string) (Reply, error) {
	if err := r.begin(); err != nil {
		return Reply{}, err
	}
	defer r.turns.Done()

	s, err := r.Activate(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	return s.Complete(ctx, text, images)
}

// Cancel aborts the in-flight turn of id.
func (r *Registry) Cancel(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

// Close refuses new turns, cancels in-flight streams, waits for their
// turns to finish and closes the gateway.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.entries {
		_ = e.session.Cancel()
	}
	r.mu.Unlock()
	r.turns.Wait()

	if err := r.gateway.Close(); err != nil {
		return fmt.Errorf("failed to close gateway: %w", err)
	}
	return nil
}

// begin registers a turn unless the registry is closed. Callers must
// call r.turns.Done when the turn ends.
func (r *Registry) begin() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	r.turns.Add(1)
	return nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, &apperr.NotFoundError{ID: id}
	}
	return e, nil
}

func asPersistence(err error, op, id string) error {
	var perr *apperr.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &apperr.PersistenceError{Op: op, SessionID: id, Cause: err}
}
