// Package supervisor wires the crawler's components together: it owns the
// Config, the SeenSet, the torrent store, and the DHT engine, and runs the
// single shutdown sequence triggered by SIGINT/SIGTERM.
package supervisor

import (
	"crypto/sha1"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnicloud/omnicrawl/internal/bloomset"
	"github.com/omnicloud/omnicrawl/internal/config"
	"github.com/omnicloud/omnicrawl/internal/dht"
	"github.com/omnicloud/omnicrawl/internal/fetcher"
	"github.com/omnicloud/omnicrawl/internal/identity"
	"github.com/omnicloud/omnicrawl/internal/statusapi"
	"github.com/omnicloud/omnicrawl/internal/store"
)

// Supervisor owns every long-lived component and drives startup and
// shutdown.
type Supervisor struct {
	cfg *config.Config

	runID string

	id    identity.NodeID
	seen  *bloomset.Filter
	store *store.Store
	engine *dht.Engine
	status *statusapi.Server

	gate chan struct{} // fetch_concurrency semaphore

	inFlightMu sync.Mutex
	inFlight   int

	startedAt time.Time

	shutdownOnce sync.Once
}

// New constructs a Supervisor from cfg. It does not start anything; call
// Start for that.
func New(cfg *config.Config) (*Supervisor, error) {
	id, err := identity.New()
	if err != nil {
		return nil, err
	}

	seen, err := bloomset.Load(cfg.FilterPath, cfg.FilterCapacity, cfg.FilterErrorRate)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:   cfg,
		runID: uuid.New().String(),
		id:    id,
		seen:  seen,
		store: st,
		gate:  make(chan struct{}, cfg.FetchConcurrency),
	}

	hooks := dht.Hooks{
		OnGetPeers:     s.onGetPeers,
		OnAnnouncePeer: s.onAnnouncePeer,
	}
	s.engine = dht.New(id, cfg, seen, s, hooks)

	if cfg.StatusAPIAddr != "" {
		s.status = statusapi.NewServer(s.snapshot, cfg.StatusInterval)
	}

	return s, nil
}

// Start binds the UDP listener, launches the engine's background loops, and
// starts the status API if configured.
func (s *Supervisor) Start() error {
	s.startedAt = time.Now()

	if err := s.engine.Start(s.cfg.ListenHost, s.cfg.ListenPort); err != nil {
		return err
	}
	log.Printf("[supervisor] run %s: node %s listening on %s:%d", s.runID, s.id, s.cfg.ListenHost, s.cfg.ListenPort)

	if s.status != nil {
		if err := s.status.Start(s.cfg.StatusAPIAddr); err != nil {
			return err
		}
		log.Printf("[supervisor] status API listening on %s", s.cfg.StatusAPIAddr)
	}

	return nil
}

// Submit implements dht.FetchSubmitter: every candidate is handed its own
// goroutine immediately, so the engine's read loop (the only caller, via
// the announce_peer/get_peers handlers) never blocks. That goroutine then
// blocks on the fetch_concurrency gate before connecting — acquisition
// happens before connect, per spec.md §4.6 — so the gate bounds concurrent
// sessions without ever dropping a candidate, matching the original
// crawler's unbounded task queue plus semaphore (fetch_metadata's
// `async with self.fetcher_semaphore`).
func (s *Supervisor) Submit(req dht.FetchRequest) {
	s.inFlightMu.Lock()
	s.inFlight++
	s.inFlightMu.Unlock()

	go func() {
		s.gate <- struct{}{}
		defer func() {
			<-s.gate
			s.inFlightMu.Lock()
			s.inFlight--
			s.inFlightMu.Unlock()
		}()

		sess := &fetcher.Session{
			InfoHash: req.InfoHash,
			Peer:     req.Peer,
			LocalID:  localPeerID(s.id),
			OnSuccess: func(infoHash identity.InfoHash, infoDict map[string]interface{}, raw []byte) {
				s.store.Save(infoHash, infoDict)
				s.seen.Add(infoHash)
				s.engine.IncrementFetched()
				log.Printf("[supervisor] metadata acquired: %s (%v)", infoHash, infoDict["name"])
			},
		}
		if err := sess.Run(); err != nil {
			fetcher.LogFailure(req.InfoHash, req.Peer, err)
		}
	}()
}

func (s *Supervisor) onGetPeers(infoHash identity.InfoHash, from identity.ContactAddress) {}

func (s *Supervisor) onAnnouncePeer(infoHash identity.InfoHash, from identity.ContactAddress) {}

func (s *Supervisor) snapshot() statusapi.Snapshot {
	s.inFlightMu.Lock()
	inFlight := s.inFlight
	s.inFlightMu.Unlock()

	return statusapi.Snapshot{
		NodeID:           s.id.String(),
		FilterLen:        s.seen.Len(),
		FetchedCount:     s.engine.FetchedCount(),
		InFlight:         inFlight,
		FetchConcurrency: s.cfg.FetchConcurrency,
		Uptime:           time.Since(s.startedAt).String(),
		GeneratedAt:      time.Now(),
	}
}

// Shutdown runs the single graceful shutdown sequence: stop the engine's
// loops and UDP socket, let in-flight fetchers drain (waiting at most 10
// seconds), close the status API, and snapshot the filter. Idempotent.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Printf("[supervisor] shutting down")

		if err := s.engine.Close(); err != nil {
			log.Printf("[supervisor] engine close error: %v", err)
		}

		deadline := time.Now().Add(10 * time.Second)
		for {
			s.inFlightMu.Lock()
			n := s.inFlight
			s.inFlightMu.Unlock()
			if n == 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		if s.status != nil {
			if err := s.status.Close(); err != nil {
				log.Printf("[supervisor] status API close error: %v", err)
			}
		}

		if err := s.seen.SnapshotTo(s.cfg.FilterPath); err != nil {
			log.Printf("[supervisor] filter snapshot error: %v", err)
		}

		log.Printf("[supervisor] shutdown complete")
	})
}

// localPeerID derives the BitTorrent peer id advertised in the handshake:
// SHA-1 of the local node id, per spec.md §4.6.
func localPeerID(id identity.NodeID) [20]byte {
	return sha1.Sum(id[:])
}
