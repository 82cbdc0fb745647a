package chat

import (
	"context"

	"TermChat/internal/backend"
	"TermChat/internal/session"
)

//go:generate mockgen -source=interfaces.go -destination=../mock/chat_mock.go -package=mock

// Gateway persists session headers and history.
type Gateway interface {
	AllocateSession(ctx context.Context, settings session.Settings) (string, error)
	ListSessions(ctx context.Context) ([]session.Record, error)
	LoadMessages(ctx context.Context, id string) ([]session.Message, error)
	// AppendMessages stores one turn atomically.
	AppendMessages(ctx context.Context, id string, msgs ...session.Message) error
	Close() error
}

// Streamer runs chat exchanges against the inference backend.
type Streamer interface {
	Stream(ctx context.Context, req backend.Request) (backend.Stream, error)
	Complete(ctx context.Context, req backend.Request) (string, error)
}
