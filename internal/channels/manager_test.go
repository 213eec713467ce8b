package channels

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

type stubChannel struct {
	name    string
	running bool
	sent    []string
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Start(context.Context) error { s.running = true; return nil }
func (s *stubChannel) Stop(context.Context) error { s.running = false; return nil }
func (s *stubChannel) IsRunning() bool { return s.running }
func (s *stubChannel) IsAllowed(string) bool { return true }
func (s *stubChannel) Send(_ context.Context, chunk, identity string, _ int) (bool, error) {
	s.sent = append(s.sent, identity+":"+chunk)
	return true, nil
}

type stubWebhookChannel struct {
	stubChannel
	path string
}

func (s *stubWebhookChannel) WebhookHandler() (string, http.Handler) {
	return s.path, http.NotFoundHandler()
}

func TestManager_SendUsesPrimary(t *testing.T) {
	m := NewManager("")
	first := &stubChannel{name: "a"}
	second := &stubChannel{name: "b"}
	m.RegisterChannel("a", first)
	m.RegisterChannel("b", second)

	ok, err := m.Send(context.Background(), "oi", "5511987654321", 0)
	if !ok || err != nil {
		t.Fatalf("expected send ok, got: ok=%v err=%v", ok, err)
	}
	if len(first.sent) != 1 || len(second.sent) != 0 {
		t.Fatalf("expected first registered channel as primary, got: %v / %v", first.sent, second.sent)
	}
}

func TestManager_UnknownPrimaryIsPermanent(t *testing.T) {
	m := NewManager("missing")
	m.RegisterChannel("a", &stubChannel{name: "a"})

	_, err := m.Send(context.Background(), "oi", "5511987654321", 0)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got: %v", err)
	}
}

func TestManager_LifecycleAndStatus(t *testing.T) {
	m := NewManager("wh")
	plain := &stubChannel{name: "plain"}
	wh := &stubWebhookChannel{stubChannel: stubChannel{name: "wh"}, path: "/webhook/x"}
	m.RegisterChannel("plain", plain)
	m.RegisterChannel("wh", wh)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !plain.running || !wh.running {
		t.Fatal("expected all channels running")
	}

	status := m.GetStatus()
	whStatus, _ := status["wh"].(map[string]interface{})
	if whStatus["primary"] != true || whStatus["running"] != true {
		t.Fatalf("unexpected status: %v", status)
	}

	names := m.GetEnabledChannels()
	if len(names) != 2 || names[0] != "plain" {
		t.Fatalf("expected sorted names, got: %v", names)
	}

	routes := m.WebhookRoutes()
	if _, ok := routes["/webhook/x"]; !ok || len(routes) != 1 {
		t.Fatalf("expected one webhook route, got: %v", routes)
	}

	_ = m.StopAll(context.Background())
	if plain.running || wh.running {
		t.Fatal("expected all channels stopped")
	}
}
