package backend

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/options"
	"TermChat/internal/session"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxFrameSize = 8 << 20

// Config holds the connection settings of a Client. It is copied at
// construction and never changes afterwards.
type Config struct {
	BaseURL   string
	VerifyTLS bool
	Logger    *slog.Logger
}

// Request is one chat exchange.
type Request struct {
	Model     string
	Messages  []session.Message
	Options   options.Overrides
	Format    session.Format
	KeepAlive time.Duration
}

// Client talks to an Ollama-compatible backend.
type Client struct {
	http     *resty.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	tokens   metric.Int64Counter
}

// NewClient creates a new backend client
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetLogger(restyLogger{logger})
	if !cfg.VerifyTLS {
		httpClient.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opt-in via config
	}

	meter := otel.Meter("termchat/backend")
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create request histogram", "error", err)
	}
	tokens, err := meter.Int64Counter(
		"llm.usage.tokens",
		metric.WithDescription("Prompt and completion tokens reported by the backend"),
	)
	if err != nil {
		logger.Warn("failed to create token counter", "error", err)
	}

	return &Client{
		http:     httpClient,
		logger:   logger,
		tracer:   otel.Tracer("termchat/backend"),
		duration: histogram,
		tokens:   tokens,
	}
}

// Stream starts a streaming chat exchange. The returned Stream must be
// closed by the caller.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	body := buildChatRequest(req, true)

	stream := newChannelStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		ctx, span := c.tracer.Start(ctx, "ollama.chat.stream",
			trace.WithAttributes(attribute.String("model", req.Model)))
		defer span.End()
		start := time.Now()
		defer c.recordDuration(ctx, start, "stream")

		err := c.streamChat(ctx, body, emit)
		if err != nil && ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})
	return stream, nil
}

func (c *Client) streamChat(ctx context.Context, body ChatRequest, emit func(string) bool) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetDoNotParseResponse(true).
		Post("/api/chat")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperr.BackendError{Op: "chat", Cause: fmt.Errorf("failed to send request: %w", err)}
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(raw, 4096))
		return &apperr.BackendError{Op: "chat", Cause: statusError(resp.Status(), msg)}
	}

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var text strings.Builder
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame ChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			return &apperr.BackendError{Op: "chat", Cause: fmt.Errorf("failed to unmarshal frame: %w", err)}
		}
		if frame.Error != "" {
			return &apperr.BackendError{Op: "chat", Cause: errors.New(frame.Error)}
		}

		if frame.Message.Content != "" {
			text.WriteString(frame.Message.Content)
			if !emit(text.String()) {
				return ctx.Err()
			}
		}
		if frame.Done {
			c.recordUsage(ctx, body.Model, frame)
			c.logger.Debug("stream finished",
				"model", body.Model,
				"done_reason", frame.DoneReason,
				"eval_count", frame.EvalCount,
			)
			return nil
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return &apperr.BackendError{Op: "chat", Cause: fmt.Errorf("failed to read stream: %w", err)}
	}
	return &apperr.BackendError{Op: "chat", Cause: io.ErrUnexpectedEOF}
}

// Complete performs the same exchange without incremental delivery and
// returns the final text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ollama.chat.complete",
		trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()
	defer c.recordDuration(ctx, time.Now(), "complete")

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(buildChatRequest(req, false)).
		Post("/api/chat")
	if err != nil {
		return "", c.fail(span, &apperr.BackendError{Op: "complete", Cause: fmt.Errorf("failed to send request: %w", err)})
	}
	if resp.StatusCode() != http.StatusOK {
		return "", c.fail(span, &apperr.BackendError{Op: "complete", Cause: statusError(resp.Status(), resp.Body())})
	}

	var out ChatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", c.fail(span, &apperr.BackendError{Op: "complete", Cause: fmt.Errorf("failed to unmarshal response: %w", err)})
	}
	if out.Error != "" {
		return "", c.fail(span, &apperr.BackendError{Op: "complete", Cause: errors.New(out.Error)})
	}
	c.recordUsage(ctx, req.Model, out)
	return out.Message.Content, nil
}

// ListModels fetches the list of locally available models
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/api/tags")
	if err != nil {
		return nil, &apperr.BackendError{Op: "tags", Cause: fmt.Errorf("failed to send request (is the backend running?): %w", err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &apperr.BackendError{Op: "tags", Cause: statusError(resp.Status(), resp.Body())}
	}

	var tags TagsResponse
	if err := json.Unmarshal(resp.Body(), &tags); err != nil {
		return nil, &apperr.BackendError{Op: "tags", Cause: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return tags.Models, nil
}

// ShowModel fetches model metadata (default system prompt, parameters)
func (c *Client) ShowModel(ctx context.Context, name string) (ShowResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(ShowRequest{Model: name}).
		Post("/api/show")
	if err != nil {
		return ShowResponse{}, &apperr.BackendError{Op: "show", Cause: fmt.Errorf("failed to send request: %w", err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return ShowResponse{}, &apperr.BackendError{Op: "show", Cause: statusError(resp.Status(), resp.Body())}
	}

	var out ShowResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return ShowResponse{}, &apperr.BackendError{Op: "show", Cause: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return out, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("backend request failed", "error", err)
	return err
}

func (c *Client) recordDuration(ctx context.Context, start time.Time, mode string) {
	if c.duration == nil {
		return
	}
	c.duration.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("mode", mode)))
}

func (c *Client) recordUsage(ctx context.Context, model string, frame ChatResponse) {
	if c.tokens == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.tokens.Add(ctx, frame.PromptEvalCount, metric.WithAttributes(
		attribute.String("model", model), attribute.String("kind", "prompt")))
	c.tokens.Add(ctx, frame.EvalCount, metric.WithAttributes(
		attribute.String("model", model), attribute.String("kind", "completion")))
}

func buildChatRequest(req Request, stream bool) ChatRequest {
	msgs := make([]ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ChatMessage{Role: string(m.Role), Content: m.Content, Images: m.Images}
	}
	return ChatRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    stream,
		Format:    string(req.Format),
		Options:   req.Options.Map(),
		KeepAlive: FormatKeepAlive(req.KeepAlive),
	}
}

// FormatKeepAlive renders d the way the backend expects ("5m", "90s").
// Zero or negative leaves the backend default in place.
func FormatKeepAlive(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", int64(d/time.Minute))
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", int64(d/time.Second))
	default:
		return d.String()
	}
}

func statusError(status string, body []byte) error {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error: %s - %s", status, e.Error)
	}
	return fmt.Errorf("API error: %s - %s", status, strings.TrimSpace(string(body)))
}

type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug(fmt.Sprintf(format, v...)) }
