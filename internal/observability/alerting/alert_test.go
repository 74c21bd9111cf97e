package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "IntentArena/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	bad := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	d := NewFanout(ok, bad, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Subject: "job-1"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	event := Event{Code: "SETTLEMENT_FAILED", Subject: "job-9", Attempts: 3, MaxRetries: 3, OccurredAt: time.Unix(1, 0).UTC()}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Subject != "job-9" || got.Code != "SETTLEMENT_FAILED" {
		t.Fatalf("unexpected payload %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()
	n = &WebhookNotifier{URL: failing.URL, Client: failing.Client()}
	if err := n.Notify(context.Background(), event); err == nil {
		t.Fatalf("expected error for failing webhook")
	}
}

func TestUnconfiguredWebhookIsSkipped(t *testing.T) {
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped, got %v", err)
	}
	if err := (LogNotifier{}).Notify(context.Background(), Event{Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("log notifier: %v", err)
	}
}
