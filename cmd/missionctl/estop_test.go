package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunEstopCommand_Usage(t *testing.T) {
	cases := [][]string{
		nil,
		{"trigger"},
		{"clear", "now"},
		{"toggle"},
	}
	for _, args := range cases {
		var stderr bytes.Buffer
		if code := runEstopCommand(context.Background(), args, &bytes.Buffer{}, &stderr); code != 2 {
			t.Errorf("args %q: got exit code %d, want 2", args, code)
		}
		if !strings.Contains(stderr.String(), "usage") {
			t.Errorf("args %q: expected usage, got %q", args, stderr.String())
		}
	}
}

func TestRunEstopCommand_Trigger(t *testing.T) {
	var gotMethod, gotReason string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/emergency-stop" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotMethod = r.Method
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotReason = body.Reason
		_, _ = w.Write([]byte(`{"emergency_stop":true,"actor":"operator"}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var stdout bytes.Buffer
	code := runEstopCommand(context.Background(), []string{"trigger", "exchange", "outage"}, &stdout, &bytes.Buffer{})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s, want POST", gotMethod)
	}
	if gotReason != "exchange outage" {
		t.Fatalf("reason = %q", gotReason)
	}
	if !strings.Contains(stdout.String(), `"actor": "operator"`) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunEstopCommand_ClearForbidden(t *testing.T) {
	var gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"principal bot is not authorized to clear the emergency stop"}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var stderr bytes.Buffer
	code := runEstopCommand(context.Background(), []string{"clear"}, &bytes.Buffer{}, &stderr)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("method = %s, want DELETE", gotMethod)
	}
	if !strings.Contains(stderr.String(), "403") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
