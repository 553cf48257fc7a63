// Package dht implements the DHT engine (C6): bootstrap, a continuous
// discovery loop, a periodic status log, and the edge-sybil inbound query
// policy of spec.md §4.5. It owns the KRPC codec and the UDP transport.
package dht

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/omnicloud/omnicrawl/internal/bloomset"
	"github.com/omnicloud/omnicrawl/internal/config"
	"github.com/omnicloud/omnicrawl/internal/identity"
	"github.com/omnicloud/omnicrawl/internal/krpc"
)

// FetchRequest is a candidate (info_hash, peer address) pair submitted for a
// metadata fetch. The engine never fetches directly; it hands these off to
// whatever the supervisor wires as the fetch submitter.
type FetchRequest struct {
	InfoHash identity.InfoHash
	Peer     identity.ContactAddress
}

// FetchSubmitter accepts candidate fetches. Submission is best-effort: an
// implementation backed by a bounded worker pool may drop a request under
// sustained overload rather than block the engine's read loop.
type FetchSubmitter interface {
	Submit(FetchRequest)
}

// Hooks are optional user callbacks fired on inbound get_peers/announce_peer
// traffic (spec.md §4.5's "schedule user hook"). Both are fired-and-forgotten
// in their own goroutine with panic recovery, per spec.md §7: "User hooks
// are fired-and-forgotten; exceptions in them are logged and isolated."
type Hooks struct {
	OnGetPeers     func(infoHash identity.InfoHash, from identity.ContactAddress)
	OnAnnouncePeer func(infoHash identity.InfoHash, from identity.ContactAddress)
}

// Engine is the DHT node: it answers inbound KRPC queries under the
// edge-sybil policy and drives outbound discovery traffic. It never builds
// an authoritative routing table.
type Engine struct {
	id identity.NodeID

	codec     *krpc.Codec
	conn      *net.UDPConn
	bootstrap []config.BootstrapAddr

	seen   *bloomset.Filter
	fetch  FetchSubmitter
	hooks  Hooks

	findInterval   time.Duration
	statusInterval time.Duration

	fetchedCount int64
	mu           sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Engine. It does not bind a socket or start any loop;
// call Start for that.
func New(id identity.NodeID, cfg *config.Config, seen *bloomset.Filter, fetch FetchSubmitter, hooks Hooks) *Engine {
	return &Engine{
		id:             id,
		codec:          krpc.NewCodec(cfg.TransactionTableLimit),
		bootstrap:      cfg.Bootstrap,
		seen:           seen,
		fetch:          fetch,
		hooks:          hooks,
		findInterval:   cfg.FindInterval,
		statusInterval: cfg.StatusInterval,
	}
}

// Start binds the UDP listen address, resolves each bootstrap router and
// sends it find_node(target=own id), and launches the read, discovery and status loops. It returns
// once the socket is bound; the loops run in the background until Close.
func (e *Engine) Start(listenHost string, listenPort int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(listenHost), Port: listenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp %s:%d: %w", listenHost, listenPort, err)
	}
	e.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go e.readLoop(ctx)

	e.bootstrapAll()

	e.wg.Add(2)
	go e.discoveryLoop(ctx)
	go e.statusLoop(ctx)

	return nil
}

// Close cancels the background loops and closes the UDP socket. Idempotent
// up to the underlying connection's own idempotence.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	var err error
	if e.conn != nil {
		err = e.conn.Close()
	}
	e.wg.Wait()
	return err
}

func (e *Engine) send(data []byte, to *net.UDPAddr) {
	if _, err := e.conn.WriteToUDP(data, to); err != nil {
		log.Printf("[dht] send to %s failed: %v", to, err)
	}
}

func (e *Engine) bootstrapAll() {
	for _, b := range e.bootstrap {
		go e.bootstrapOne(b)
	}
}

func (e *Engine) bootstrapOne(b config.BootstrapAddr) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", b.Host, b.Port))
	if err != nil {
		log.Printf("[dht] bootstrap resolve %s:%d failed: %v", b.Host, b.Port, err)
		return
	}
	e.send(e.codec.FindNode(e.id, e.id), addr)
}

func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.codec.Handle(data, from, e)
	}
}

// discoveryLoop sends find_node(target=fresh_random_id) to each bootstrap
// address every findInterval, per spec.md §4.5: a randomized target
// maximizes the breadth of returned neighbors.
func (e *Engine) discoveryLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.findInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range e.bootstrap {
				addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", b.Host, b.Port))
				if err != nil {
					log.Printf("[dht] discovery resolve %s:%d failed: %v", b.Host, b.Port, err)
					continue
				}
				var target identity.NodeID
				rand.Read(target[:])
				e.send(e.codec.FindNode(e.id, target), addr)
			}
		}
	}
}

func (e *Engine) statusLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			fetched := e.fetchedCount
			e.mu.Unlock()
			log.Printf("[dht] status: filter_len=%d fetched=%d", e.seen.Len(), fetched)
		}
	}
}

// IncrementFetched is called by the supervisor whenever a fetcher session
// completes successfully, so the status loop can report an accurate count.
func (e *Engine) IncrementFetched() {
	e.mu.Lock()
	e.fetchedCount++
	e.mu.Unlock()
}

// FetchedCount returns the number of metadata fetches completed so far.
func (e *Engine) FetchedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchedCount
}

func runHook(name string, fn func()) {
	if fn == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[dht] %s hook panicked: %v", name, r)
			}
		}()
		fn()
	}()
}
