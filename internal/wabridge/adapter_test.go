package wabridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdapterStartDecodesResult(t *testing.T) {
	var gotPath, gotMethod string
	var gotReq StartRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"started","auth_data":{"token":"abc"}}`))
	}))
	defer server.Close()

	adapter := NewHTTPClientAdapter(HTTPAdapterOptions{BaseURL: server.URL})
	result, err := adapter.Start(context.Background(), StartRequest{
		ChannelID: "ch-1",
		AuthData:  json.RawMessage(`{"token":"old"}`),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/client/start" {
		t.Fatalf("request was %s %s", gotMethod, gotPath)
	}
	if gotReq.ChannelID != "ch-1" {
		t.Fatalf("channel id not forwarded: %+v", gotReq)
	}
	if result.Status != "started" || string(result.AuthData) != `{"token":"abc"}` {
		t.Fatalf("result = %+v", result)
	}
	if result.AlreadyRunning() {
		t.Fatal("started is not already_running")
	}
}

func TestAdapterRejectionBecomesProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"number not registered"}`))
	}))
	defer server.Close()

	adapter := NewHTTPClientAdapter(HTTPAdapterOptions{BaseURL: server.URL})
	_, err := adapter.SendMessage(context.Background(), SendRequest{
		ChannelID: "ch-1",
		To:        "15557770000@c.us",
		Message:   "hello",
	})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if protoErr.Status != http.StatusUnprocessableEntity || protoErr.Message != "number not registered" {
		t.Fatalf("protocol error = %+v", protoErr)
	}
	if !errors.Is(err, ErrProtocol) || IsConnectivity(err) {
		t.Fatalf("error classification wrong: %v", err)
	}
}

func TestAdapterUnreachableBecomesConnectivityError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	adapter := NewHTTPClientAdapter(HTTPAdapterOptions{BaseURL: server.URL})
	_, err := adapter.Status(context.Background(), "ch-1")
	if !IsConnectivity(err) {
		t.Fatalf("expected connectivity error for closed server, got %v", err)
	}
	var connErr *ConnectivityError
	if !errors.As(err, &connErr) || connErr.Op != "status" {
		t.Fatalf("connectivity error = %v", err)
	}
}

func TestAdapterRoutesPerChannelPaths(t *testing.T) {
	paths := make([]string, 0, 3)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	adapter := NewHTTPClientAdapter(HTTPAdapterOptions{BaseURL: server.URL})
	ctx := context.Background()
	if _, err := adapter.Status(ctx, "ch-9"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, err := adapter.PairingCode(ctx, "ch-9"); err != nil {
		t.Fatalf("PairingCode: %v", err)
	}
	if err := adapter.Stop(ctx, "ch-9"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"GET /client/ch-9/status",
		"GET /client/ch-9/qr",
		"POST /client/stop",
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("request %d = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestExtractErrorMessageFallsBackToRawBody(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"error":"bad number"}`, "bad number"},
		{`{"message":"try later"}`, "try later"},
		{"plain text failure\n", "plain text failure"},
	}
	for _, tc := range cases {
		if got := extractErrorMessage([]byte(tc.body)); got != tc.want {
			t.Fatalf("extractErrorMessage(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}
