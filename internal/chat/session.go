package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/backend"
	"TermChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reply is the outcome of one submitted turn.
type Reply struct {
	Text     string
	Canceled bool
}

// exchange runs one backend call and reports cumulative text through onText.
type exchange func(ctx context.Context, req backend.Request, onText func(string)) (string, error)

// Session is one conversation. Its history and stream state are owned by
// the session; at most one exchange is in flight at a time.
type Session struct {
	id       string
	created  time.Time
	settings session.Settings
	gateway  Gateway
	client   Streamer
	logger   *slog.Logger
	tracer   trace.Tracer

	// writeMu orders gateway appends across consecutive turns.
	writeMu sync.Mutex

	mu       sync.Mutex
	loaded   bool
	messages []session.Message
	state    session.StreamState
	cancel   context.CancelFunc
	canceled bool
	partial  int
	unsaved  int
}

func newSession(rec session.Record, gateway Gateway, client Streamer, logger *slog.Logger) *Session {
	s := &Session{
		id:       rec.ID,
		created:  rec.CreatedAt,
		settings: rec.Settings,
		gateway:  gateway,
		client:   client,
		logger:   logger.With("session_id", rec.ID),
		tracer:   otel.Tracer("termchat/chat"),
		partial:  -1,
	}
	if rec.System != "" {
		s.messages = []session.Message{{Role: session.RoleSystem, Content: rec.System, CreatedAt: rec.CreatedAt}}
	}
	return s
}

// hydrate appends stored history after the system prompt. Turns are
// refused until it has run once.
func (s *Session) hydrate(msgs []session.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			continue
		}
		s.messages = append(s.messages, m)
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Settings() session.Settings { return s.settings }

// Record returns the session header.
func (s *Session) Record() session.Record {
	return session.Record{ID: s.id, CreatedAt: s.created, Settings: s.settings}
}

func (s *Session) State() session.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Unsaved reports how many turns are held in memory only: completed turns
// whose append failed and user messages whose exchange failed.
func (s *Session) Unsaved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsaved
}

// Messages returns a snapshot of the history, including the in-progress
// assistant message while streaming.
func (s *Session) Messages() []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Submit sends text (and optional base64 images) and streams the reply.
// onChunk receives the cumulative reply text as it grows.
func (s *Session) Submit(ctx context.Context, text string, images []string, onChunk func(string)) (Reply, error) {
	return s.turn(ctx, text, images, onChunk, s.stream)
}

// Complete is Submit without incremental delivery.
func (s *Session) Complete(ctx context.Context, text string, images []string) (Reply, error) {
	return s.turn(ctx, text, images, nil, s.complete)
}

// Cancel aborts the in-flight exchange. The pending Submit returns with
// Reply.Canceled set and nothing is persisted for that turn.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.StateStreaming || s.cancel == nil {
		return apperr.ErrNotStreaming
	}
	s.canceled = true
	s.cancel()
	s.logger.Info("stream canceled")
	return nil
}

func (s *Session) turn(ctx context.Context, text string, images []string, onChunk func(string), run exchange) (Reply, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return Reply{}, apperr.ErrNotLoaded
	}
	if s.state == session.StateStreaming {
		s.mu.Unlock()
		return Reply{}, apperr.ErrSessionBusy
	}

	user := session.Message{Role: session.RoleUser, Content: text, Images: images, CreatedAt: time.Now().UTC()}
	s.messages = append(s.messages, user)
	history := make([]session.Message, len(s.messages))
	copy(history, s.messages)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.canceled = false
	s.partial = -1
	s.state = session.StateStreaming
	s.mu.Unlock()

	streamCtx, span := s.tracer.Start(streamCtx, "session.turn", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("model", s.settings.Model),
		attribute.Int("history", len(history)),
	))
	defer span.End()

	final, err := run(streamCtx, s.request(history), func(chunk string) {
		s.mu.Lock()
		if s.canceled {
			s.mu.Unlock()
			return
		}
		s.setPartial(chunk)
		s.mu.Unlock()
		if onChunk != nil {
			onChunk(chunk)
		}
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.canceled || (err != nil && streamCtx.Err() != nil) {
		s.dropPartial()
		s.state = session.StateIdle
		s.cancel = nil
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("canceled", true))
		return Reply{Canceled: true}, nil
	}
	if err != nil {
		s.dropPartial()
		s.state = session.StateError
		s.cancel = nil
		s.unsaved++
		s.mu.Unlock()

		var berr *apperr.BackendError
		if !errors.As(err, &berr) {
			err = &apperr.BackendError{Op: "chat", Cause: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("exchange failed", "error", err)
		return Reply{}, err
	}

	assistant := session.Message{Role: session.RoleAssistant, Content: final, CreatedAt: time.Now().UTC()}
	s.dropPartial()
	s.messages = append(s.messages, assistant)
	s.state = session.StateIdle
	s.cancel = nil
	s.mu.Unlock()

	if err := s.gateway.AppendMessages(context.WithoutCancel(ctx), s.id, user, assistant); err != nil {
		s.mu.Lock()
		s.unsaved++
		s.mu.Unlock()

		var perr *apperr.PersistenceError
		if !errors.As(err, &perr) {
			err = &apperr.PersistenceError{Op: "append", SessionID: s.id, Cause: err}
		}
		s.logger.Warn("turn not saved", "error", err)
		return Reply{Text: final}, err
	}

	s.logger.Debug("turn saved", "chars", len(final))
	return Reply{Text: final}, nil
}

func (s *Session) request(history []session.Message) backend.Request {
	return backend.Request{
		Model:     s.settings.Model,
		Messages:  history,
		Options:   s.settings.Options,
		Format:    s.settings.Format,
		KeepAlive: s.settings.KeepAlive,
	}
}

func (s *Session) stream(ctx context.Context, req backend.Request, onText func(string)) (string, error) {
	stream, err := s.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text, nil
		}
		if err != nil {
			return "", err
		}
		text = chunk
		onText(chunk)
	}
}

func (s *Session) complete(ctx context.Context, req backend.Request, onText func(string)) (string, error) {
	text, err := s.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	onText(text)
	return text, nil
}

// setPartial replaces the in-progress assistant message. Callers hold mu.
func (s *Session) setPartial(text string) {
	if s.partial < 0 {
		s.messages = append(s.messages, session.Message{Role: session.RoleAssistant, Content: text})
		s.partial = len(s.messages) - 1
		return
	}
	s.messages[s.partial].Content = text
}

// dropPartial removes the in-progress assistant message. Callers hold mu.
func (s *Session) dropPartial() {
	if s.partial >= 0 {
		s.messages = s.messages[:s.partial]
		s.partial = -1
	}
}
