package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPromptLineLeavesRestOfReader(t *testing.T) {
	in := strings.NewReader("alice\nsecret")
	errOut := &bytes.Buffer{}

	line, err := promptLine(in, errOut, "Username: ")
	if err != nil {
		t.Fatalf("promptLine: %v", err)
	}
	if line != "alice" {
		t.Fatalf("line = %q, want %q", line, "alice")
	}
	if !strings.Contains(errOut.String(), "Username: ") {
		t.Fatalf("expected prompt on errOut, got %q", errOut.String())
	}
	rest, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "secret" {
		t.Fatalf("rest = %q, want %q", rest, "secret")
	}
}

func TestPromptLineAcceptsEOFAfterPartialLine(t *testing.T) {
	line, err := promptLine(strings.NewReader("bob"), &bytes.Buffer{}, "Username: ")
	if err != nil {
		t.Fatalf("promptLine: %v", err)
	}
	if line != "bob" {
		t.Fatalf("line = %q, want %q", line, "bob")
	}
}

func TestGatewayLoginReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			TOTP     string `json:"totp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Username != "amy" || req.Password != "pw" || req.TOTP != "000000" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1", "username": "amy"})
	}))
	defer srv.Close()

	token, err := gatewayLogin(context.Background(), srv.URL, "amy", "pw", "000000")
	if err != nil {
		t.Fatalf("gatewayLogin: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q, want %q", token, "tok-1")
	}
}

func TestGatewayLoginReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
	}))
	defer srv.Close()

	_, err := gatewayLogin(context.Background(), srv.URL, "amy", "bad", "000000")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "invalid credentials") {
		t.Fatalf("error = %v, want invalid credentials detail", err)
	}
}

func TestGatewayLoginRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"username": "amy"})
	}))
	defer srv.Close()

	_, err := gatewayLogin(context.Background(), srv.URL, "amy", "pw", "000000")
	if err == nil || !strings.Contains(err.Error(), "missing token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
