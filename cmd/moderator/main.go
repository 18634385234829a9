package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/moderation"
)

type config struct {
	NATSURL string   `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Terms   []string `envconfig:"MODERATION_TERMS"`
}

// screen returns the verdict for a flagged request.
func screen(f *moderation.Filter, req moderation.Request) (moderation.Verdict, bool) {
	res := f.Check(req.Text)
	if !res.Blocked {
		return moderation.Verdict{}, false
	}
	return moderation.Verdict{
		ConnID: req.ConnID,
		UserID: req.UserID,
		Scope:  req.Scope,
		Reason: res.Reason,
		Term:   res.Term,
	}, true
}

func main() {
	log.Println("Starting Whisper moderation service...")

	_ = godotenv.Load()
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	natsCfg := messaging.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "whisper-moderator"

	nc, err := messaging.Connect(natsCfg)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	terms := append(append([]string{}, moderation.DefaultTerms...), cfg.Terms...)
	filter := moderation.NewFilterWithTerms(terms)

	err = nc.OnCheck(func(req moderation.Request) {
		v, flagged := screen(filter, req)
		if !flagged {
			return
		}
		log.Printf("[moderator] FLAGGED server=%s conn=%s user=%s scope=%s reason=%s term=%q",
			req.Server, req.ConnID, req.UserID, req.Scope, v.Reason, v.Term)
		if err := nc.PublishVerdict(req.Server, v); err != nil {
			log.Printf("[moderator] publish verdict: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to moderation checks: %v", err)
	}

	log.Printf("Whisper moderation service running")
	log.Printf("  nats_url: %s", natsCfg.URL)
	log.Printf("  terms:    %d", filter.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	nc.Close()
}
