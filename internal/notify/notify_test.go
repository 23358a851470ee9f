// Copyright (c) 2025 Admon, Inc. All rights reserved.

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestPost(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("webhook payload is not JSON: %v", err)
		}
		got = msg.Text
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	sink := NewSlack(server.URL, zaptest.NewLogger(t))
	if err := sink.Post(context.Background(), "sync complete: 3 accounts"); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if got != "sync complete: 3 accounts" {
		t.Errorf("posted text = %q", got)
	}
}

func TestPost_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	sink := NewSlack(server.URL, zaptest.NewLogger(t))
	if err := sink.Post(context.Background(), "text"); err == nil {
		t.Error("Post() should surface webhook failures")
	}
}

func TestPost_Unconfigured(t *testing.T) {
	sink := NewSlack("", zaptest.NewLogger(t))
	if err := sink.Post(context.Background(), "text"); err != nil {
		t.Errorf("unconfigured sink should be a no-op, got %v", err)
	}
}
