package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

func setupTestServer(t *testing.T) (*Server, *remote.Memory, *remote.Client) {
	t.Helper()

	store := remote.NewMemory()
	srv := NewServer(&Config{Store: store, Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.cancel()
		ts.Close()
	})

	client, err := remote.NewClient(ts.URL, ts.Client(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return srv, store, client
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(&Config{
		Port:   0,
		Store:  remote.NewMemory(),
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := srv.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("unexpected address %q", addr)
	}

	resp, err := http.Get("http://" + srv.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	_, store, client := setupTestServer(t)
	ctx := context.Background()

	if err := client.Upsert(ctx, "students", "STU_1", schema.Record{"name": "Amit", "seatNumber": 7}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := client.Upsert(ctx, "students", "STU_1", schema.Record{"status": "Active"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec, ok, err := client.Get(ctx, "students", "STU_1")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if rec.String("name") != "Amit" || rec.String("status") != "Active" || rec.Float("seatNumber") != 7 {
		t.Errorf("merged document = %v", rec)
	}

	if _, ok, err := client.Get(ctx, "students", "STU_missing"); err != nil || ok {
		t.Errorf("Get of absent doc = (%v, %v)", ok, err)
	}

	all, err := client.GetAll(ctx, "students")
	if err != nil || len(all) != 1 {
		t.Fatalf("GetAll = (%v, %v)", all, err)
	}

	if err := client.Delete(ctx, "students", "STU_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n := store.Count("delete", "students", "STU_1"); n != 1 {
		t.Errorf("store saw %d deletes, want 1", n)
	}
	all, err = client.GetAll(ctx, "students")
	if err != nil || all == nil || len(all) != 0 {
		t.Errorf("GetAll after delete = (%v, %v)", all, err)
	}
}

func TestClientSubscribe(t *testing.T) {
	srv, store, client := setupTestServer(t)
	ctx := context.Background()
	store.Seed("settings", schema.Record{"id": schema.SingletonKey, "totalSeats": 50})

	got := make(chan remote.Snapshot, 10)
	unsub, err := client.Subscribe(ctx, "settings", schema.SingletonKey, func(s remote.Snapshot) { got <- s })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	next := func() remote.Snapshot {
		t.Helper()
		select {
		case s := <-got:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshot")
			return remote.Snapshot{}
		}
	}

	initial := next()
	if !initial.Exists || initial.Doc.Float("totalSeats") != 50 {
		t.Fatalf("initial snapshot = %+v", initial)
	}
	if n := srv.ClientCount(); n != 1 {
		t.Errorf("ClientCount = %d, want 1", n)
	}

	if err := client.Upsert(ctx, "settings", schema.SingletonKey, schema.Record{"totalSeats": 60}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if snap := next(); snap.Doc.Float("totalSeats") != 60 {
		t.Errorf("snapshot after upsert = %+v", snap)
	}

	unsub()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.ClientCount(); n != 0 {
		t.Errorf("ClientCount after unsubscribe = %d", n)
	}
}

func TestWatchRawMessages(t *testing.T) {
	srv := NewServer(&Config{Store: remote.NewMemory(), Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/watch?collection=students"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read initial snapshot: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	if msg["collection"] != "students" {
		t.Errorf("snapshot = %s", data)
	}
}

func TestBadRequests(t *testing.T) {
	srv := NewServer(&Config{Store: remote.NewMemory(), Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"body not an object", http.MethodPut, "/v1/students/STU_1", `[1,2]`, http.StatusBadRequest},
		{"malformed body", http.MethodPut, "/v1/students/STU_1", `{`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/v1/students/a.b", "", http.StatusBadRequest},
		{"watch without collection", http.MethodGet, "/v1/watch", "", http.StatusBadRequest},
		{"missing doc", http.MethodGet, "/v1/students/STU_1", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	srv := NewServer(&Config{Store: remote.NewMemory(), Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := remote.NewClient(ts.URL, ts.Client(), nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Upsert(context.Background(), "payments", "PAY_1", schema.Record{"amount": 1500}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	want := `falcon_server_requests_total{code="204",collection="payments",method="PUT"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics missing %q:\n%s", want, body)
	}
}
