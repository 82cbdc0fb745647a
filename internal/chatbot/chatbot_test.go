package chatbot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"TermChat/internal/apperr"
	"TermChat/internal/backend"
	"TermChat/internal/chat"
	"TermChat/internal/config"
	"TermChat/internal/mock"
	"TermChat/internal/options"
	"TermChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type chunks []string

func (c *chunks) Recv() (string, error) {
	if len(*c) == 0 {
		return "", io.EOF
	}
	next := (*c)[0]
	*c = (*c)[1:]
	return next, nil
}

func (c *chunks) Close() error { return nil }

func stream(parts ...string) backend.Stream {
	c := chunks(parts)
	return &c
}

type blocked struct{ ctx context.Context }

func (b blocked) Recv() (string, error) {
	<-b.ctx.Done()
	return "", b.ctx.Err()
}

func (b blocked) Close() error { return nil }

type fakeCatalogue struct {
	models    []backend.Model
	listCalls int
	show      backend.ShowResponse
}

func (f *fakeCatalogue) ListModels(context.Context) ([]backend.Model, error) {
	f.listCalls++
	return f.models, nil
}

func (f *fakeCatalogue) ShowModel(context.Context, string) (backend.ShowResponse, error) {
	return f.show, nil
}

type harness struct {
	gateway   *mock.MockGateway
	streamer  *mock.MockStreamer
	catalogue *fakeCatalogue
	out       *bytes.Buffer
	cfg       config.Config
}

func newHarness(t *testing.T, existing ...session.Record) *harness {
	ctrl := gomock.NewController(t)
	h := &harness{
		gateway:   mock.NewMockGateway(ctrl),
		streamer:  mock.NewMockStreamer(ctrl),
		catalogue: &fakeCatalogue{},
		out:       &bytes.Buffer{},
		cfg: config.Config{
			OllamaURL: "http://localhost:11434",
			Model:     "llama3.1",
			KeepAlive: 5 * time.Minute,
		},
	}
	h.gateway.EXPECT().ListSessions(gomock.Any()).Return(existing, nil)
	return h
}

func (h *harness) run(t *testing.T, input string, interrupts <-chan os.Signal) string {
	t.Helper()
	registry := chat.NewRegistry(h.gateway, h.streamer, nil)
	bot := NewChatBot(h.cfg, registry, h.catalogue, nil, strings.NewReader(input), h.out)
	require.NoError(t, bot.Run(context.Background(), interrupts))
	return h.out.String()
}

func TestRun_NewSessionAndChat(t *testing.T) {
	h := newHarness(t)

	h.gateway.EXPECT().AllocateSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, s session.Settings) (string, error) {
			assert.Equal(t, "quick maths", s.Name)
			assert.Equal(t, "tiny", s.Model)
			assert.Equal(t, 5*time.Minute, s.KeepAlive)
			return "0123456789abcdef", nil
		})
	h.streamer.EXPECT().Stream(gomock.Any(), gomock.Any()).Return(stream("4", "4."), nil)
	h.gateway.EXPECT().AppendMessages(gomock.Any(), "0123456789abcdef", gomock.Any(), gomock.Any()).Return(nil)

	out := h.run(t, "/new tiny quick maths\n2+2?\n/history\n/quit\n", nil)

	assert.Contains(t, out, "Session: quick maths (01234567, model tiny)")
	assert.Contains(t, out, "Bot: 4.\n")
	assert.Contains(t, out, "[user] 2+2?")
	assert.Contains(t, out, "[assistant] 4.")
	assert.Contains(t, out, "Goodbye!")
}

func TestRun_MessageWithoutSessionCreatesDefault(t *testing.T) {
	h := newHarness(t)

	h.gateway.EXPECT().AllocateSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, s session.Settings) (string, error) {
			assert.Equal(t, "chat #1 - llama3.1", s.Name)
			return "s1", nil
		})
	h.streamer.EXPECT().Stream(gomock.Any(), gomock.Any()).Return(stream("hi"), nil)
	h.gateway.EXPECT().AppendMessages(gomock.Any(), "s1", gomock.Any(), gomock.Any()).Return(nil)

	out := h.run(t, "hello\n", nil)
	assert.Contains(t, out, "Bot: hi\n")
}

func TestRun_PendingSettingsApplyToNew(t *testing.T) {
	h := newHarness(t)
	img := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(img, []byte("hi"), 0o600))

	h.gateway.EXPECT().AllocateSession(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, s session.Settings) (string, error) {
			assert.Equal(t, "Be terse.", s.System)
			assert.Equal(t, session.FormatJSON, s.Format)
			assert.Equal(t, []string{"temperature", "stop"}, s.Options.Keys())
			stop, _ := s.Options.Get("stop")
			assert.Equal(t, options.List(options.String("a"), options.String("b")), stop)
			return "s1", nil
		})
	h.streamer.EXPECT().Stream(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req backend.Request) (backend.Stream, error) {
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, []string{"aGk="}, last.Images)
			assert.Equal(t, session.RoleSystem, req.Messages[0].Role)
			return stream("{}"), nil
		})
	h.gateway.EXPECT().AppendMessages(gomock.Any(), "s1", gomock.Any(), gomock.Any()).Return(nil)

	input := strings.Join([]string{
		"/system Be terse.",
		"/format json",
		"/options",
		"temperature 0.3",
		"stop a",
		"stop b",
		".",
		"/new tiny",
		"/image " + img,
		"describe",
		"/quit",
	}, "\n") + "\n"
	out := h.run(t, input, nil)
	assert.Contains(t, out, "2 option(s) set")
	assert.Contains(t, out, "Format set to json")
}

func TestRun_InvalidInput(t *testing.T) {
	h := newHarness(t)

	out := h.run(t, "/options\ntemprature 1\n.\n/format yaml\n/switch nope\n/bogus\n/quit\n", nil)
	assert.Equal(t, 2, strings.Count(out, "Invalid input:"))
	assert.Contains(t, out, "unknown parameter(s): temprature")
	assert.Contains(t, out, `session "nope" not found`)
	assert.Contains(t, out, "unknown command /bogus")
}

func TestRun_CycleAndList(t *testing.T) {
	h := newHarness(t,
		session.Record{ID: "aaaa", Settings: session.Settings{Name: "first", Model: "m"}},
		session.Record{ID: "bbbb", Settings: session.Settings{Name: "second", Model: "m"}},
	)

	out := h.run(t, "/next\n/sessions\n/next\n/prev\n/switch bb\n/quit\n", nil)
	assert.Contains(t, out, "* 2. bbbb  second (m)")
	assert.Contains(t, out, "  1. aaaa  first (m)")
	assert.Equal(t, 3, strings.Count(out, "Session: second"))
}

func TestRun_ModelsAreCached(t *testing.T) {
	h := newHarness(t)
	h.catalogue.models = []backend.Model{{Name: "llama3.1", Size: 2 << 30}, {Name: "tiny"}}
	h.catalogue.show = backend.ShowResponse{System: "Be nice.", Parameters: "stop <s>"}

	out := h.run(t, "/models\n/models\n/show tiny\n/quit\n", nil)
	assert.Equal(t, 1, h.catalogue.listCalls)
	assert.Contains(t, out, "1. llama3.1 - 2.00 GB (current)")
	assert.Contains(t, out, "System: Be nice.")
}

func TestRun_BackendErrorIsReported(t *testing.T) {
	h := newHarness(t, session.Record{ID: "s1", Settings: session.Settings{Name: "s", Model: "m"}})

	h.gateway.EXPECT().LoadMessages(gomock.Any(), "s1").Return(nil, nil)
	h.streamer.EXPECT().Stream(gomock.Any(), gomock.Any()).
		Return(nil, &apperr.BackendError{Op: "chat", Cause: errors.New("connection refused")})

	out := h.run(t, "hi\n/history\n/quit\n", nil)
	assert.Contains(t, out, "Backend error: connection refused")
	assert.Contains(t, out, "[user] hi")
}

func TestRun_InterruptCancelsStream(t *testing.T) {
	h := newHarness(t, session.Record{ID: "s1", Settings: session.Settings{Name: "s", Model: "m"}})
	interrupts := make(chan os.Signal, 1)

	h.gateway.EXPECT().LoadMessages(gomock.Any(), "s1").Return(nil, nil)
	h.streamer.EXPECT().Stream(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ backend.Request) (backend.Stream, error) {
			interrupts <- os.Interrupt
			return blocked{ctx: ctx}, nil
		})
	// nothing is persisted for a canceled turn

	out := h.run(t, "write a novel\n/history\n/quit\n", interrupts)
	assert.Contains(t, out, "[canceled]")
	assert.Contains(t, out, "[user] write a novel")
	assert.NotContains(t, out, "[assistant]")
}

func TestLockedWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := &lockedWriter{w: &buf}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = io.WriteString(w, "line\n")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, strings.Count(buf.String(), "line\n"))
}
