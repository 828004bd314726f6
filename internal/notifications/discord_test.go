package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDiscordDisabled(t *testing.T) {
	d := NewDiscord("", log.New(io.Discard, "", 0))
	if d.Enabled() {
		t.Error("Enabled() = true, want false without webhook")
	}
	// Must not panic or block.
	d.NotifyDraining(context.Background(), "host", 3)
}

func TestDiscordSessionFailure(t *testing.T) {
	got := make(chan discordMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg discordMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
		got <- msg
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, log.New(io.Discard, "", 0))
	d.NotifySessionFailure(context.Background(), "sess-1", "internal_error", errors.New("sequence space exhausted"))

	select {
	case msg := <-got:
		if len(msg.Embeds) != 1 {
			t.Fatalf("embeds = %d, want 1", len(msg.Embeds))
		}
		e := msg.Embeds[0]
		if !strings.Contains(e.Description, "sequence space exhausted") {
			t.Errorf("Description = %q", e.Description)
		}
		if len(e.Fields) != 2 || e.Fields[0].Value != "`sess-1`" || e.Fields[1].Value != "internal_error" {
			t.Errorf("Fields = %+v", e.Fields)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not called")
	}
}
