package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/omnicloud/omnicrawl/internal/config"
	"github.com/omnicloud/omnicrawl/internal/dht"
	"github.com/omnicloud/omnicrawl/internal/identity"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ListenHost:            "127.0.0.1",
		ListenPort:            0,
		FilterCapacity:        1000,
		FilterErrorRate:       1e-4,
		FilterPath:            filepath.Join(dir, "filter"),
		StorageDir:            filepath.Join(dir, "torrents"),
		FetchConcurrency:      2,
		FindInterval:          time.Hour,
		StatusInterval:        time.Hour,
		TransactionTableLimit: 16,
	}
}

func TestNewAndStart(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Shutdown()
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.Shutdown()
	sup.Shutdown() // must not panic or double-close anything
}

func TestSubmitDoesNotBlockCallerWhenGateIsFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.FetchConcurrency = 1
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Shutdown()

	if cap(sup.gate) != 1 {
		t.Fatalf("gate capacity = %d, want 1", cap(sup.gate))
	}

	// Fill the gate manually to simulate a session already in flight.
	sup.gate <- struct{}{}

	done := make(chan struct{})
	go func() {
		sup.Submit(dht.FetchRequest{
			InfoHash: identity.InfoHash{},
			Peer:     identity.ContactAddress{IP: []byte{127, 0, 0, 1}, Port: 1},
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Submit blocked the caller instead of queuing the candidate behind the gate")
	}

	// The candidate's goroutine should now be blocked waiting for the gate,
	// not discarded: releasing the slot lets it proceed and eventually
	// decrement inFlight again once its (doomed, nothing listens on
	// 127.0.0.1:1) session fails and exits.
	<-sup.gate

	deadline := time.Now().Add(2 * time.Second)
	for {
		sup.inFlightMu.Lock()
		n := sup.inFlight
		sup.inFlightMu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued candidate never ran to completion after the gate freed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotReportsFilterLen(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var h identity.InfoHash
	h[0] = 1
	sup.seen.Add(h)

	snap := sup.snapshot()
	if snap.FilterLen != 1 {
		t.Fatalf("FilterLen = %d, want 1", snap.FilterLen)
	}
}
