package channels

import (
	"context"
	"sync"
	"testing"

	"github.com/flashclaw/flashclaw/pkg/models"
)

type lifecycleChannel struct {
	name     string
	platform models.Platform
	failOn   bool

	mu      sync.Mutex
	started bool
	stopped bool
	handler Handler
}

func (c *lifecycleChannel) Name() string              { return c.name }
func (c *lifecycleChannel) Platform() models.Platform { return c.platform }
func (c *lifecycleChannel) OnMessage(h Handler)       { c.handler = h }

func (c *lifecycleChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn {
		return context.Canceled
	}
	c.started = true
	return nil
}

func (c *lifecycleChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *lifecycleChannel) SendMessage(ctx context.Context, chatID, text string) (SendResult, error) {
	return SendResult{Success: true, MessageID: ComposeMessageID(chatID, "1")}, nil
}

func TestRegistryStartAllStopAll(t *testing.T) {
	r := NewRegistry(nil)
	a := &lifecycleChannel{name: "a", platform: models.PlatformTerminal}
	b := &lifecycleChannel{name: "b", platform: models.PlatformTelegram}
	for _, ch := range []Channel{a, b} {
		if err := r.Register(ch); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.started || !b.started {
		t.Error("not all channels started")
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.stopped || !b.stopped {
		t.Error("not all channels stopped")
	}
}

func TestRegistryStartFailureRollsBack(t *testing.T) {
	r := NewRegistry(nil)
	ok := &lifecycleChannel{name: "ok", platform: models.PlatformTerminal}
	bad := &lifecycleChannel{name: "bad", platform: models.PlatformTelegram, failOn: true}
	if err := r.Register(ok); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(bad); err != nil {
		t.Fatal(err)
	}

	if err := r.StartAll(context.Background()); err == nil {
		t.Fatal("start error swallowed")
	}
	if !ok.stopped {
		t.Error("started channel not rolled back")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&lifecycleChannel{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&lifecycleChannel{name: "a"}); err == nil {
		t.Error("duplicate accepted")
	}
	if err := r.Register(&lifecycleChannel{name: ""}); err == nil {
		t.Error("empty name accepted")
	}
}

func TestRegistryByPlatform(t *testing.T) {
	r := NewRegistry(nil)
	tg := &lifecycleChannel{name: "telegram", platform: models.PlatformTelegram}
	if err := r.Register(tg); err != nil {
		t.Fatal(err)
	}
	got, ok := r.ByPlatform(models.PlatformTelegram)
	if !ok || got.Name() != "telegram" {
		t.Errorf("ByPlatform = %v, %v", got, ok)
	}
	if _, ok := r.ByPlatform(models.PlatformFeishu); ok {
		t.Error("unknown platform resolved")
	}
}
