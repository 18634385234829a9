package main

import (
	"testing"

	"github.com/whisper/relay/internal/moderation"
)

func TestScreen(t *testing.T) {
	f := moderation.NewFilterWithTerms([]string{"badword"})
	req := moderation.Request{Server: "ws-1", ConnID: "c1", UserID: "u1", Scope: moderation.ScopePrivate}

	req.Text = "hello there"
	if _, flagged := screen(f, req); flagged {
		t.Error("clean text flagged")
	}

	req.Text = "you BADWORD"
	v, flagged := screen(f, req)
	if !flagged {
		t.Fatal("blocked term not flagged")
	}
	want := moderation.Verdict{ConnID: "c1", UserID: "u1", Scope: moderation.ScopePrivate, Reason: moderation.ReasonKeyword, Term: "badword"}
	if v != want {
		t.Errorf("verdict = %+v, want %+v", v, want)
	}
}
