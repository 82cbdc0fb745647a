package chatbot

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/backend"
	"TermChat/internal/cache"
	"TermChat/internal/chat"
	"TermChat/internal/config"
	"TermChat/internal/options"
	"TermChat/internal/session"
)

const catalogueTTL = 30 * time.Second

// Catalogue lists and describes backend models.
type Catalogue interface {
	ListModels(ctx context.Context) ([]backend.Model, error)
	ShowModel(ctx context.Context, name string) (backend.ShowResponse, error)
}

// pending holds settings collected for the next /new and attachments for
// the next message.
type pending struct {
	system  string
	options options.Overrides
	format  session.Format
	images  []string
}

// lockedWriter serializes writes from the input loop and the interrupt
// watcher.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// ChatBot is the line-oriented front end over a chat.Registry.
type ChatBot struct {
	config    config.Config
	registry  *chat.Registry
	catalogue Catalogue
	models    *cache.TTL[[]backend.Model]
	details   *cache.TTL[backend.ShowResponse]
	logger    *slog.Logger

	scanner *bufio.Scanner
	out     io.Writer

	current string
	next    pending

	mu        sync.Mutex
	streaming string
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config, registry *chat.Registry, catalogue Catalogue, logger *slog.Logger, in io.Reader, out io.Writer) *ChatBot {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatBot{
		config:    cfg,
		registry:  registry,
		catalogue: catalogue,
		models:    cache.New[[]backend.Model](catalogueTTL),
		details:   cache.New[backend.ShowResponse](catalogueTTL),
		logger:    logger,
		scanner:   bufio.NewScanner(in),
		out:       &lockedWriter{w: out},
	}
}

// Run starts the chat loop. Each value received on interrupts cancels the
// in-flight stream, if any.
func (cb *ChatBot) Run(ctx context.Context, interrupts <-chan os.Signal) error {
	if err := cb.registry.Load(ctx); err != nil {
		cb.report(err)
	}
	if ids := cb.registry.ListSessions(); len(ids) > 0 {
		cb.current = ids[0]
	}

	stop := make(chan struct{})
	defer close(stop)
	go cb.watchInterrupts(interrupts, stop)

	fmt.Fprintln(cb.out, "=== TermChat ===")
	fmt.Fprintf(cb.out, "Backend: %s\n", cb.config.OllamaURL)
	if cb.current != "" {
		cb.printCurrent()
	}
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	for {
		fmt.Fprint(cb.out, "You: ")
		if !cb.scanner.Scan() {
			break
		}

		input := strings.TrimSpace(cb.scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.report(err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		cb.sendMessage(ctx, input)
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return cb.scanner.Err()
}

func (cb *ChatBot) watchInterrupts(interrupts <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case _, ok := <-interrupts:
			if !ok {
				return
			}
			cb.mu.Lock()
			id := cb.streaming
			cb.mu.Unlock()
			if id == "" {
				fmt.Fprintln(cb.out, "\n(use /quit to exit)")
				continue
			}
			if err := cb.registry.Cancel(id); err != nil && !errors.Is(err, apperr.ErrNotStreaming) {
				cb.logger.Warn("cancel failed", "session_id", id, "error", err)
			}
		}
	}
}

// sendMessage streams a reply into the terminal, printing only the part of
// each cumulative chunk not yet shown.
func (cb *ChatBot) sendMessage(ctx context.Context, text string) {
	if cb.current == "" {
		if _, err := cb.newSession(ctx, cb.config.Model, ""); err != nil {
			cb.report(err)
			return
		}
	}

	images := cb.next.images
	cb.next.images = nil

	cb.mu.Lock()
	cb.streaming = cb.current
	cb.mu.Unlock()
	defer func() {
		cb.mu.Lock()
		cb.streaming = ""
		cb.mu.Unlock()
	}()

	fmt.Fprint(cb.out, "Bot: ")
	shown := 0
	reply, err := cb.registry.Submit(ctx, cb.current, text, images, func(chunk string) {
		fmt.Fprint(cb.out, chunk[shown:])
		shown = len(chunk)
	})
	switch {
	case reply.Canceled:
		fmt.Fprintln(cb.out, " [canceled]")
	case shown == 0 && reply.Text != "":
		fmt.Fprintln(cb.out, reply.Text)
	default:
		fmt.Fprintln(cb.out)
	}
	fmt.Fprintln(cb.out)
	if err != nil {
		cb.report(err)
	}
}

func (cb *ChatBot) newSession(ctx context.Context, model, name string) (string, error) {
	id, err := cb.registry.CreateSession(ctx, chat.CreateRequest{
		Name:      name,
		Model:     model,
		System:    cb.next.system,
		Format:    cb.next.format,
		Options:   cb.next.options,
		KeepAlive: cb.config.KeepAlive,
	})
	if err != nil {
		return "", err
	}
	cb.current = id
	cb.next = pending{images: cb.next.images}
	cb.printCurrent()
	return id, nil
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		model := cb.config.Model
		name := ""
		if len(parts) > 1 {
			model = parts[1]
			name = strings.TrimSpace(strings.TrimPrefix(arg, parts[1]))
		}
		_, err := cb.newSession(ctx, model, name)
		return false, err

	case "/next", "/prev":
		delta := 1
		if parts[0] == "/prev" {
			delta = -1
		}
		id, err := cb.registry.Cycle(cb.current, delta)
		if err != nil {
			return false, err
		}
		if id == "" {
			return false, fmt.Errorf("no sessions yet, use /new")
		}
		cb.current = id
		cb.printCurrent()
		return false, nil

	case "/switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch <session id prefix>")
		}
		id, err := cb.matchSession(arg)
		if err != nil {
			return false, err
		}
		cb.current = id
		cb.printCurrent()
		return false, nil

	case "/sessions":
		cb.listSessions()
		return false, nil

	case "/system":
		cb.next.system = arg
		if arg == "" {
			fmt.Fprintln(cb.out, "System prompt cleared for the next /new")
		} else {
			fmt.Fprintln(cb.out, "System prompt set for the next /new")
		}
		return false, nil

	case "/options":
		overrides := options.Parse(cb.readBlock())
		if err := overrides.Validate(); err != nil {
			return false, err
		}
		cb.next.options = overrides
		fmt.Fprintf(cb.out, "%d option(s) set for the next /new\n", overrides.Len())
		return false, nil

	case "/format":
		format, err := session.ParseFormat(arg)
		if err != nil {
			return false, &apperr.ValidationError{Field: "format", Reason: err.Error()}
		}
		cb.next.format = format
		fmt.Fprintf(cb.out, "Format set to %s for the next /new\n", format)
		return false, nil

	case "/image":
		if arg == "" {
			return false, fmt.Errorf("usage: /image <path>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return false, fmt.Errorf("failed to read image: %w", err)
		}
		cb.next.images = append(cb.next.images, base64.StdEncoding.EncodeToString(data))
		fmt.Fprintf(cb.out, "Attached %s to the next message\n", arg)
		return false, nil

	case "/models":
		return false, cb.listModels(ctx)

	case "/show":
		model := arg
		if model == "" {
			model = cb.currentModel()
		}
		return false, cb.showModel(ctx, model)

	case "/history":
		return false, cb.printHistory(ctx)

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /new [model] [name]   - Start a new chat session")
		fmt.Fprintln(cb.out, "  /next, /prev          - Cycle through sessions")
		fmt.Fprintln(cb.out, "  /switch <id>          - Switch to a session by id prefix")
		fmt.Fprintln(cb.out, "  /sessions             - List sessions")
		fmt.Fprintln(cb.out, "  /system <text>        - System prompt for the next /new")
		fmt.Fprintln(cb.out, "  /options              - Parameter overrides for the next /new, end with a '.' line")
		fmt.Fprintln(cb.out, "  /format json|text     - Output format for the next /new")
		fmt.Fprintln(cb.out, "  /image <path>         - Attach an image to the next message")
		fmt.Fprintln(cb.out, "  /models               - List available models")
		fmt.Fprintln(cb.out, "  /show [model]         - Show model details")
		fmt.Fprintln(cb.out, "  /history              - Print the current conversation")
		fmt.Fprintln(cb.out, "  /help                 - Show this help message")
		fmt.Fprintln(cb.out, "  /quit, /exit          - Exit")
		fmt.Fprintln(cb.out, "Ctrl-C cancels a streaming reply.")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, try /help", parts[0])
	}
}

// readBlock reads lines until a line holding a single ".".
func (cb *ChatBot) readBlock() string {
	fmt.Fprintln(cb.out, "Enter `key value` lines, finish with '.'")
	var lines []string
	for cb.scanner.Scan() {
		line := cb.scanner.Text()
		if strings.TrimSpace(line) == "." {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (cb *ChatBot) matchSession(prefix string) (string, error) {
	var matches []string
	for _, id := range cb.registry.ListSessions() {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", &apperr.NotFoundError{ID: prefix}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous session prefix %q matches %d sessions", prefix, len(matches))
	}
}

func (cb *ChatBot) listSessions() {
	records := cb.registry.Records()
	if len(records) == 0 {
		fmt.Fprintln(cb.out, "No sessions yet, use /new")
		return
	}
	fmt.Fprintln(cb.out, "\nSessions:")
	for i, rec := range records {
		marker := " "
		if rec.ID == cb.current {
			marker = "*"
		}
		line := fmt.Sprintf("%s %d. %s  %s (%s)", marker, i+1, shortID(rec.ID), rec.Name, rec.Model)
		if s, err := cb.registry.Get(rec.ID); err == nil {
			if s.State() != session.StateIdle {
				line += " [" + s.State().String() + "]"
			}
			if n := s.Unsaved(); n > 0 {
				line += fmt.Sprintf(" [%d unsaved]", n)
			}
		}
		fmt.Fprintln(cb.out, line)
	}
	fmt.Fprintln(cb.out)
}

func (cb *ChatBot) listModels(ctx context.Context) error {
	models, err := cb.models.GetOrLoad(ctx, "models", cb.catalogue.ListModels)
	if err != nil {
		return err
	}
	fmt.Fprintln(cb.out, "\nAvailable models:")
	current := cb.currentModel()
	for i, model := range models {
		sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
		marker := ""
		if model.Name == current {
			marker = " (current)"
		}
		fmt.Fprintf(cb.out, "%d. %s - %.2f GB%s\n", i+1, model.Name, sizeGB, marker)
	}
	fmt.Fprintln(cb.out)
	return nil
}

func (cb *ChatBot) showModel(ctx context.Context, model string) error {
	info, err := cb.details.GetOrLoad(ctx, model, func(ctx context.Context) (backend.ShowResponse, error) {
		return cb.catalogue.ShowModel(ctx, model)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cb.out, "\nModel: %s\n", model)
	if info.Details.Family != "" {
		fmt.Fprintf(cb.out, "Family: %s %s %s\n", info.Details.Family, info.Details.ParameterSize, info.Details.QuantizationLevel)
	}
	if info.System != "" {
		fmt.Fprintf(cb.out, "System: %s\n", info.System)
	}
	if info.Parameters != "" {
		fmt.Fprintf(cb.out, "Parameters:\n%s\n", info.Parameters)
	}
	fmt.Fprintln(cb.out)
	return nil
}

func (cb *ChatBot) printHistory(ctx context.Context) error {
	if cb.current == "" {
		return fmt.Errorf("no active session, use /new")
	}
	s, err := cb.registry.Activate(ctx, cb.current)
	if err != nil {
		return err
	}
	for _, msg := range s.Messages() {
		label := string(msg.Role)
		if len(msg.Images) > 0 {
			label += fmt.Sprintf(" +%d image(s)", len(msg.Images))
		}
		fmt.Fprintf(cb.out, "[%s] %s\n", label, msg.Content)
	}
	return nil
}

func (cb *ChatBot) printCurrent() {
	s, err := cb.registry.Get(cb.current)
	if err != nil {
		return
	}
	settings := s.Settings()
	fmt.Fprintf(cb.out, "Session: %s (%s, model %s)\n", settings.Name, shortID(cb.current), settings.Model)
}

func (cb *ChatBot) currentModel() string {
	if s, err := cb.registry.Get(cb.current); err == nil {
		return s.Settings().Model
	}
	return cb.config.Model
}

// report prints err in terms of its kind and logs it.
func (cb *ChatBot) report(err error) {
	var (
		verr *apperr.ValidationError
		berr *apperr.BackendError
		perr *apperr.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		fmt.Fprintf(cb.out, "Invalid input: %v\n", err)
	case errors.As(err, &berr):
		fmt.Fprintf(cb.out, "Backend error: %v\n", berr.Cause)
	case errors.As(err, &perr):
		fmt.Fprintf(cb.out, "Warning: not saved: %v\n", perr.Cause)
	default:
		fmt.Fprintf(cb.out, "Error: %v\n", err)
	}
	cb.logger.Error("command error", "session_id", cb.current, "error", err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
