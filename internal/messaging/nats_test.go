package messaging

import (
	"testing"
	"time"

	"github.com/whisper/relay/internal/moderation"
)

func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxReconnects = 0
	c, err := Connect(cfg)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.URL == "" || cfg.MaxReconnects != -1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestModerationRoundTrip(t *testing.T) {
	c := connectOrSkip(t)

	checks := make(chan moderation.Request, 1)
	verdicts := make(chan moderation.Verdict, 1)

	if err := c.OnCheck(func(r moderation.Request) { checks <- r }); err != nil {
		t.Fatal(err)
	}
	if err := c.OnVerdict("test-server", func(v moderation.Verdict) { verdicts <- v }); err != nil {
		t.Fatal(err)
	}

	if err := c.RequestCheck(moderation.Request{Server: "test-server", ConnID: "c1", UserID: "u1", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-checks:
		if r.ConnID != "c1" || r.Text != "hi" {
			t.Errorf("request = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no moderation request received")
	}

	if err := c.PublishVerdict("test-server", moderation.Verdict{UserID: "u1", Reason: moderation.ReasonKeyword}); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-verdicts:
		if v.UserID != "u1" {
			t.Errorf("verdict = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no verdict received")
	}
}
