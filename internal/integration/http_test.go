package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"pkt.systems/termwire/internal/directory"
)

func TestHTTPLoginAndDirectory(t *testing.T) {
	requireLong(t)
	stack := newTestStack(t)

	token := httpLogin(t, stack, stack.password, currentTOTP(stack.totpSecret))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir := directory.NewClient(stack.gateway.URL(), directory.WithToken(token))
	if err := dir.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	projects := dir.Projects()
	if len(projects) != 2 {
		t.Fatalf("projects = %d, want 2", len(projects))
	}
	if _, err := dir.Project("/work/blog"); err != nil {
		t.Fatalf("project by path: %v", err)
	}
	if _, err := dir.Project("shop"); err != nil {
		t.Fatalf("project by name: %v", err)
	}
}

func TestHTTPRejectsBadLogin(t *testing.T) {
	requireLong(t)
	stack := newTestStack(t)

	payload, err := json.Marshal(map[string]string{
		"username": stack.username,
		"password": "wrong-password",
		"totp":     currentTOTP(stack.totpSecret),
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(stack.gateway.URL()+"/api/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestHTTPRejectsBadToken(t *testing.T) {
	requireLong(t)
	stack := newTestStack(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir := directory.NewClient(stack.gateway.URL(), directory.WithToken("bogus"))
	if err := dir.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh with invalid token to fail")
	}
}

func httpLogin(t *testing.T, stack *testStack, password, code string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"username": stack.username,
		"password": password,
		"totp":     code,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(stack.gateway.URL()+"/api/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var login struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" || login.Username != stack.username {
		t.Fatalf("unexpected login response: %+v", login)
	}
	return login.Token
}
