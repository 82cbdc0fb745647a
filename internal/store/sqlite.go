package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/options"
	"TermChat/internal/session"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SQLite stores sessions in a single sqlite3 database file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	tracer trace.Tracer
}

// OpenSQLite opens (creating if missing) and migrates the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := newSQLite(db, logger)
	s.path = path
	return s, nil
}

func newSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("termchat/store"),
	}
}

// AllocateSession stores a new session header and returns its id.
func (s *SQLite) AllocateSession(ctx context.Context, settings session.Settings) (string, error) {
	ctx, span := s.tracer.Start(ctx, "store.allocate_session")
	defer span.End()

	opts, err := json.Marshal(settings.Options)
	if err != nil {
		return "", s.fail(span, "allocate", "", fmt.Errorf("failed to marshal options: %w", err))
	}

	id := uuid.NewString()
	query, args, err := sq.Insert("sessions").
		Columns("id", "name", "model", "system", "format", "options", "keep_alive", "created_at").
		Values(id, settings.Name, settings.Model, settings.System, string(settings.Format),
			string(opts), settings.KeepAlive.String(), time.Now().UTC()).
		ToSql()
	if err != nil {
		return "", s.fail(span, "allocate", "", fmt.Errorf("failed to build query: %w", err))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", s.fail(span, "allocate", "", fmt.Errorf("failed to insert session: %w", err))
	}

	span.SetAttributes(attribute.String("session_id", id))
	s.logger.Debug("session allocated", "session_id", id, "model", settings.Model)
	return id, nil
}

// ListSessions returns every session in creation order.
func (s *SQLite) ListSessions(ctx context.Context) ([]session.Record, error) {
	query, args, err := sq.Select("id", "name", "model", "system", "format", "options", "keep_alive", "created_at").
		From("sessions").
		OrderBy("rowid").
		ToSql()
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "list", Cause: fmt.Errorf("failed to build query: %w", err)}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "list", Cause: fmt.Errorf("failed to query sessions: %w", err)}
	}
	defer rows.Close()

	var records []session.Record
	for rows.Next() {
		var (
			rec       session.Record
			format    string
			opts      string
			keepAlive string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Model, &rec.System, &format, &opts, &keepAlive, &rec.CreatedAt); err != nil {
			return nil, &apperr.PersistenceError{Op: "list", Cause: fmt.Errorf("failed to scan session: %w", err)}
		}
		rec.Format = session.Format(format)
		if err := decodeOptions(opts, &rec.Options); err != nil {
			return nil, &apperr.PersistenceError{Op: "list", SessionID: rec.ID, Cause: err}
		}
		if keepAlive != "" {
			if rec.KeepAlive, err = time.ParseDuration(keepAlive); err != nil {
				return nil, &apperr.PersistenceError{Op: "list", SessionID: rec.ID, Cause: fmt.Errorf("failed to parse keep-alive: %w", err)}
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &apperr.PersistenceError{Op: "list", Cause: err}
	}
	return records, nil
}

// LoadMessages returns the stored history of a session, oldest first.
func (s *SQLite) LoadMessages(ctx context.Context, id string) ([]session.Message, error) {
	ctx, span := s.tracer.Start(ctx, "store.load_messages", trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	query, args, err := sq.Select("role", "content", "images", "created_at").
		From("messages").
		Where(sq.Eq{"session_id": id}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, s.fail(span, "load", id, fmt.Errorf("failed to build query: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(span, "load", id, fmt.Errorf("failed to query messages: %w", err))
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var (
			msg    session.Message
			role   string
			images string
		)
		if err := rows.Scan(&role, &msg.Content, &images, &msg.CreatedAt); err != nil {
			return nil, s.fail(span, "load", id, fmt.Errorf("failed to scan message: %w", err))
		}
		msg.Role = session.Role(role)
		if images != "" {
			if err := json.Unmarshal([]byte(images), &msg.Images); err != nil {
				return nil, s.fail(span, "load", id, fmt.Errorf("failed to unmarshal images: %w", err))
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, "load", id, err)
	}
	return msgs, nil
}

// AppendMessages stores msgs after the existing history of a session in a
// single transaction.
func (s *SQLite) AppendMessages(ctx context.Context, id string, msgs ...session.Message) error {
	ctx, span := s.tracer.Start(ctx, "store.append_messages", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.Int("count", len(msgs)),
	))
	defer span.End()

	if len(msgs) == 0 {
		return s.fail(span, "append", id, ErrEmptyTurn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(span, "append", id, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM sessions WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return s.fail(span, "append", id, fmt.Errorf("failed to look up session: %w", err))
	}
	if exists == 0 {
		return s.fail(span, "append", id, ErrUnknownSession)
	}

	var last int64
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?", id).Scan(&last)
	if err != nil {
		return s.fail(span, "append", id, fmt.Errorf("failed to read sequence: %w", err))
	}

	insert := sq.Insert("messages").Columns("session_id", "seq", "role", "content", "images", "created_at")
	for i, msg := range msgs {
		images, err := encodeImages(msg.Images)
		if err != nil {
			return s.fail(span, "append", id, err)
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		insert = insert.Values(id, last+int64(i)+1, string(msg.Role), msg.Content, images, createdAt.UTC())
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return s.fail(span, "append", id, fmt.Errorf("failed to build query: %w", err))
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return s.fail(span, "append", id, fmt.Errorf("failed to insert messages: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return s.fail(span, "append", id, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Path returns the database file location.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) fail(span trace.Span, op, id string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("store operation failed", "op", op, "session_id", id, "error", err)
	return &apperr.PersistenceError{Op: op, SessionID: id, Cause: err}
}

func decodeOptions(raw string, into *options.Overrides) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return nil
}

func encodeImages(images []string) (string, error) {
	if len(images) == 0 {
		return "", nil
	}
	b, err := json.Marshal(images)
	if err != nil {
		return "", fmt.Errorf("failed to marshal images: %w", err)
	}
	return string(b), nil
}

var _ Store = (*SQLite)(nil)
