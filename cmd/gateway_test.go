package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/delivery"
	"github.com/nextlevelbuilder/chatrelay/internal/presence"
	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

type recordingSink struct {
	mu        sync.Mutex
	fragments []string
	presence  []presence.Status
	got       chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) OnInboundFragment(rawIdentity, text string) bool {
	s.mu.Lock()
	s.fragments = append(s.fragments, rawIdentity+":"+text)
	s.mu.Unlock()
	s.got <- struct{}{}
	return true
}

func (s *recordingSink) OnPresenceEvent(rawIdentity string, status presence.Status) {
	s.mu.Lock()
	s.presence = append(s.presence, status)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
}

func TestConsumeInboundMessages_DropsDuplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msgBus := bus.New()
	sink := newRecordingSink()
	done := make(chan struct{})
	go func() {
		consumeInboundMessages(ctx, msgBus, sink, bus.NewDedupeCache(time.Minute, 100))
		close(done)
	}()

	msgBus.PublishInbound(bus.InboundMessage{Channel: "evolution", SenderID: "5511987654321", Content: "oi", MessageID: "m1"})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "evolution", SenderID: "5511987654321", Content: "oi", MessageID: "m1"})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "evolution", SenderID: "5511987654321", Content: "tudo bem?", MessageID: "m2"})
	// No message id means no dedupe.
	msgBus.PublishInbound(bus.InboundMessage{Channel: "whatsapp", SenderID: "5511987654321", Content: "x"})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "whatsapp", SenderID: "5511987654321", Content: "x"})

	waitFor(t, sink.got, 4)
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{"5511987654321:oi", "5511987654321:tudo bem?", "5511987654321:x", "5511987654321:x"}
	if strings.Join(sink.fragments, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got: %v", want, sink.fragments)
	}
}

func TestConsumePresenceUpdates_ParsesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msgBus := bus.New()
	sink := newRecordingSink()
	done := make(chan struct{})
	go func() {
		consumePresenceUpdates(ctx, msgBus, sink)
		close(done)
	}()

	msgBus.PublishPresence(bus.PresenceUpdate{Channel: "evolution", SenderID: "5511987654321", Status: "composing"})
	msgBus.PublishPresence(bus.PresenceUpdate{Channel: "evolution", SenderID: "5511987654321", Status: "available"})

	waitFor(t, sink.got, 2)
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.presence[0] != presence.StatusComposing || sink.presence[1] != presence.StatusIdle {
		t.Fatalf("unexpected statuses: %v", sink.presence)
	}
}

type settingsRecorder[S any] struct {
	calls []S
}

func (r *settingsRecorder[S]) UpdateSettings(s S) { r.calls = append(r.calls, s) }

func TestApplyReload(t *testing.T) {
	cur := config.Default()
	engine := &settingsRecorder[relay.Settings]{}
	pipeline := &settingsRecorder[delivery.Settings]{}

	applyReload(cur, config.Default(), engine, pipeline)
	if len(engine.calls) != 0 || len(pipeline.calls) != 0 {
		t.Fatal("expected no update for an unchanged config")
	}

	next := config.Default()
	next.Relay.QuiescenceWindow = "4s"
	next.Delivery.MaxRetries = 5
	applyReload(cur, next, engine, pipeline)

	if len(engine.calls) != 1 || engine.calls[0].QuiescenceWindow != 4*time.Second {
		t.Fatalf("expected relay settings pushed, got: %+v", engine.calls)
	}
	if len(pipeline.calls) != 1 || pipeline.calls[0].MaxRetries != 5 {
		t.Fatalf("expected delivery settings pushed, got: %+v", pipeline.calls)
	}
}

type shutdownLog struct {
	steps []string
	err   error
}

type logDrainer struct{ log *shutdownLog }

func (d logDrainer) Shutdown(context.Context) error {
	d.log.steps = append(d.log.steps, "engine")
	return d.log.err
}

type logStopper struct{ log *shutdownLog }

func (s logStopper) StopAll(context.Context) error {
	s.log.steps = append(s.log.steps, "channels")
	return nil
}

func TestDrainThenStop_EngineBeforeChannels(t *testing.T) {
	for _, engineErr := range []error{nil, context.DeadlineExceeded} {
		log := &shutdownLog{err: engineErr}
		drainThenStop(context.Background(), logDrainer{log}, logStopper{log})

		if strings.Join(log.steps, ",") != "engine,channels" {
			t.Fatalf("expected engine drained before channels stop (engine err %v), got: %v", engineErr, log.steps)
		}
	}
}

func TestOpenHistoryBackend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := config.Default()
	cfg.History.Storage = filepath.Join(dir, "history")
	backend, err := openHistoryBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	if err := backend.AppendTurn(ctx, store.Turn{Identity: "5511987654321", Role: store.RoleUser, Content: "oi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	backend.Close()

	cfg.History.Backend = backendSQLite
	cfg.History.SQLitePath = filepath.Join(dir, "db", "history.db")
	backend, err = openHistoryBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	backend.Close()

	cfg.History.Backend = backendPostgres
	cfg.Database.PostgresDSN = ""
	if _, err := openHistoryBackend(ctx, cfg); err == nil || !strings.Contains(err.Error(), "CHATRELAY_POSTGRES_DSN") {
		t.Fatalf("expected missing DSN error, got: %v", err)
	}

	cfg.History.Backend = "redis"
	if _, err := openHistoryBackend(ctx, cfg); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

func TestBuildResponder(t *testing.T) {
	if _, err := buildResponder(config.ProviderConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := buildResponder(config.ProviderConfig{APIKey: "k", SystemPromptFile: filepath.Join(t.TempDir(), "absent.txt")}); err == nil {
		t.Fatal("expected error for missing prompt file")
	}

	prompt := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(prompt, []byte("Você é um atendente.\n"), 0644); err != nil {
		t.Fatal(err)
	}
	pc := config.Default().Provider
	pc.APIKey = "k"
	pc.SystemPromptFile = prompt
	if r, err := buildResponder(pc); err != nil || r == nil {
		t.Fatalf("expected responder, got: %v", err)
	}
}

func TestInitTelemetry(t *testing.T) {
	shutdown, err := initTelemetry(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("disabled telemetry should not fail: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}

	if _, err := initTelemetry(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown protocol error")
	}
}

func TestNormalizeCmd(t *testing.T) {
	var out bytes.Buffer
	c := normalizeCmd()
	c.SetOut(&out)
	c.SetArgs([]string{"--country-code", "55", "11987654321", "5511987654321@s.whatsapp.net", "abc"})
	if err := c.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "11987654321\t5511987654321\n" +
		"5511987654321@s.whatsapp.net\t5511987654321\n" +
		"abc\t(invalid)\n"
	if out.String() != want {
		t.Fatalf("expected:\n%s\ngot:\n%s", want, out.String())
	}
}

func TestMaskKey(t *testing.T) {
	cases := map[string]string{
		"":                 "(not configured)",
		"short":            "*****",
		"sk-1234567890abc": "sk-1********0abc",
	}
	for in, want := range cases {
		if got := maskKey(in); got != want {
			t.Fatalf("maskKey(%q): expected %q, got: %q", in, want, got)
		}
	}
}
