package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/infra"
	"github.com/chunkvault/chunkvault/internal/logging"
)

const destination = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{
		AppName:        "ChunkVault",
		AppEnv:         "test",
		ShutdownPeriod: time.Second,
		IdempotencyTTL: time.Hour,
		Chain:          config.ChainConfig{ChunkSize: decimal.RequireFromString("0.001")},
		Deposit: config.DepositConfig{
			TTL:           30 * time.Minute,
			PollInterval:  5 * time.Minute,
			MaxAttempts:   6,
			MaxWatchers:   16,
			RatePerMinute: 10,
		},
		Interest: config.InterestConfig{
			Rate:     decimal.RequireFromString("0.002"),
			Window:   7 * 24 * time.Hour,
			Schedule: "0 0 * * 0",
		},
	}
	srv, err := New(context.Background(), cfg, &infra.Backends{}, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func call(t *testing.T, srv *Server, method, path, userID, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func register(t *testing.T, srv *Server, username, wallet string) string {
	t.Helper()
	status, body := call(t, srv, http.MethodPost, "/api/v1/users", "",
		`{"username":"`+username+`","password":"password123","wallet_address":"`+wallet+`"}`)
	if status != http.StatusCreated {
		t.Fatalf("register: expected 201 got %d (%v)", status, body)
	}
	uid, _ := body["user_id"].(string)
	if uid == "" {
		t.Fatalf("register returned no user id: %v", body)
	}
	return uid
}

func TestRegisterLoginAndBalance(t *testing.T) {
	srv := newTestServer(t)
	uid := register(t, srv, "alice", destination)

	status, _ := call(t, srv, http.MethodPost, "/api/v1/login", "", `{"username":"alice","password":"password123"}`)
	if status != http.StatusOK {
		t.Fatalf("login: expected 200 got %d", status)
	}
	status, _ = call(t, srv, http.MethodPost, "/api/v1/login", "", `{"username":"alice","password":"wrong-password"}`)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401 got %d", status)
	}

	status, body := call(t, srv, http.MethodGet, "/api/v1/balance", uid, "")
	if status != http.StatusOK {
		t.Fatalf("balance: expected 200 got %d", status)
	}
	if body["balance"] != "0" {
		t.Fatalf("expected zero balance, got %v", body["balance"])
	}

	status, body = call(t, srv, http.MethodGet, "/api/v1/transactions", uid, "")
	if status != http.StatusOK {
		t.Fatalf("transactions: expected 200 got %d", status)
	}
	if txs, _ := body["transactions"].([]any); len(txs) != 0 {
		t.Fatalf("expected no transactions, got %v", txs)
	}
}

func TestProtectedRoutesNeedKnownCaller(t *testing.T) {
	srv := newTestServer(t)
	for _, uid := range []string{"", "00000000-0000-0000-0000-000000000000"} {
		if status, _ := call(t, srv, http.MethodGet, "/api/v1/balance", uid, ""); status != http.StatusUnauthorized {
			t.Fatalf("caller %q: expected 401 got %d", uid, status)
		}
	}
}

func TestDepositAddressIssued(t *testing.T) {
	srv := newTestServer(t)
	uid := register(t, srv, "bob", destination)

	status, body := call(t, srv, http.MethodPost, "/api/v1/deposits", uid, "")
	if status != http.StatusCreated {
		t.Fatalf("deposit: expected 201 got %d (%v)", status, body)
	}
	if addr, _ := body["address"].(string); !strings.HasPrefix(addr, "0x") {
		t.Fatalf("unexpected deposit address %v", body["address"])
	}
	// the interest scheduler holds one slot, the watcher another
	deadline := time.Now().Add(2 * time.Second)
	for srv.tasks.Active() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a running deposit watcher, active=%d", srv.tasks.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWithdrawalErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t)
	uid := register(t, srv, "carol", destination)
	noDest := register(t, srv, "dave", "")

	cases := []struct {
		name   string
		userID string
		body   string
		want   int
	}{
		{"unaligned", uid, `{"amount":"0.0015"}`, http.StatusBadRequest},
		{"not a number", uid, `{"amount":"lots"}`, http.StatusBadRequest},
		{"insufficient funds", uid, `{"amount":"0.001"}`, http.StatusBadRequest},
		{"no destination", noDest, `{"amount":"0.001"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		status, body := call(t, srv, http.MethodPost, "/api/v1/withdrawals", tc.userID, tc.body)
		if status != tc.want {
			t.Fatalf("%s: expected %d got %d (%v)", tc.name, tc.want, status, body)
		}
	}
}

func TestInventoryAndHealth(t *testing.T) {
	srv := newTestServer(t)
	uid := register(t, srv, "erin", destination)

	status, body := call(t, srv, http.MethodGet, "/api/v1/inventory", uid, "")
	if status != http.StatusOK {
		t.Fatalf("inventory: expected 200 got %d", status)
	}
	if body["denomination_wei"] != "1000000000000000" {
		t.Fatalf("unexpected denomination %v", body["denomination_wei"])
	}

	status, body = call(t, srv, http.MethodGet, "/healthz", "", "")
	if status != http.StatusOK {
		t.Fatalf("healthz: expected 200 got %d (%v)", status, body)
	}
}
