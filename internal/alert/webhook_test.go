package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	retryDelay = 10 * time.Millisecond
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func TestDispatchMatchesType(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{TypeBlocked}},
	}, nil)

	d.Dispatch(AlertEvent{Type: TypeBlocked, Node: "edge-1", Subject: "ls; rm -rf /"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{TypeRollbackFailed}},
	}, nil)

	d.Dispatch(AlertEvent{Type: TypeBlocked})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchWildcardAndMultipleWebhooks(t *testing.T) {
	srv1, called1 := countingServer(t, http.StatusOK)
	srv2, called2 := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Events: []string{TypeBreakglassCreated}},
		{URL: srv2.URL, Events: []string{"*"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: TypeBreakglassCreated, Actor: "alice"})
	d.Wait()

	if called1.Load() != 1 || called2.Load() != 1 {
		t.Errorf("expected both webhooks called once, got %d and %d", called1.Load(), called2.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Type: TypeBlocked}); err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, called := countingServer(t, http.StatusBadRequest)

	if err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Type: TypeBlocked}); err == nil {
		t.Error("expected error on 400, got nil")
	}
	if called.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", called.Load())
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp: "2026-01-15T14:00:00.000Z",
		Type:      TypeBreakglassCreated,
		Actor:     "alice",
		Node:      "edge-1",
		Tier:      "breakglass",
		Subject:   "bg-0011223344556677",
		Reason:    "caddy wedged after upstream cert rotation",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}
	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed != event {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", AlertEvent{Type: TypeBlocked, Node: "edge-1"})
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected 2 blocks, got %v", parsed["blocks"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 4 {
		t.Errorf("expected 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{TypeRollbackFailed, "critical"},
		{TypeBreakglassCreated, "error"},
		{TypeBlocked, "warning"},
		{TypeDenied, "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", AlertEvent{Type: tt.eventType, Node: "edge-1"})
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		json.Unmarshal(data, &parsed)
		payload, _ := parsed["payload"].(map[string]any)
		if payload["severity"] != tt.want {
			t.Errorf("%s: expected severity %s, got %v", tt.eventType, tt.want, payload["severity"])
		}
		if payload["source"] != "edge-1" {
			t.Errorf("expected source edge-1, got %v", payload["source"])
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if NewDispatcher(nil, nil) != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if NewDispatcher([]AlertConfig{}, nil) != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
