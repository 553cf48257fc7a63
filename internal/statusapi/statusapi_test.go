package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHandleStatusServesSnapshot(t *testing.T) {
	s := NewServer(func() Snapshot {
		return Snapshot{FilterLen: 42, FetchedCount: 7, InFlight: 2}
	}, time.Second)

	rec := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/status", nil)
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if snap.FilterLen != 42 || snap.FetchedCount != 7 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStatusEndpointOverRealListener(t *testing.T) {
	s := NewServer(func() Snapshot {
		return Snapshot{FetchedCount: 3}
	}, time.Second)

	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.FetchedCount != 3 {
		t.Fatalf("FetchedCount = %d, want 3", snap.FetchedCount)
	}
}

func TestWebSocketFeedPushesSnapshots(t *testing.T) {
	tick := 0
	s := NewServer(func() Snapshot {
		tick++
		return Snapshot{FetchedCount: int64(tick)}
	}, 20*time.Millisecond)

	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/status/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read pushed snapshot: %v", err)
	}
	if snap.FetchedCount < 1 {
		t.Fatalf("expected a positive fetched count tick, got %+v", snap)
	}
}
