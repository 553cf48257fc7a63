package dht

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/omnicrawl/internal/bloomset"
	"github.com/omnicloud/omnicrawl/internal/config"
	"github.com/omnicloud/omnicrawl/internal/identity"
	"github.com/omnicloud/omnicrawl/internal/krpc"
)

type recordingFetcher struct {
	requests []FetchRequest
}

func (r *recordingFetcher) Submit(req FetchRequest) {
	r.requests = append(r.requests, req)
}

func newTestEngine(t *testing.T, fetch FetchSubmitter) (*Engine, *net.UDPConn, identity.NodeID) {
	t.Helper()
	id := identity.NodeID{}
	for i := range id {
		id[i] = byte(i + 1)
	}
	seen := bloomset.New(1000, 1e-4, t.TempDir()+"/filter")
	cfg := &config.Config{
		TransactionTableLimit: 16,
		FindInterval:          time.Hour,
		StatusInterval:        time.Hour,
	}
	e := New(id, cfg, seen, fetch, Hooks{})
	if err := e.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	client, err := net.DialUDP("udp", nil, e.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial test client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return e, client, id
}

func recvWithTimeout(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("expected a reply, got error: %v", err)
	}
	return buf[:n]
}

func decodeMsg(t *testing.T, data []byte) krpc.Msg {
	t.Helper()
	var m krpc.Msg
	if err := bencode.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return m
}

func TestPingScenario(t *testing.T) {
	_, client, id := newTestEngine(t, nil)

	sender := make([]byte, 20)
	for i := range sender {
		sender[i] = 'S'
	}
	query := mustMarshalMsg(krpc.Msg{T: "t1", Y: krpc.TypeQuery, Q: krpc.QueryPing, A: &krpc.Args{ID: string(sender)}})
	if _, err := client.Write(query); err != nil {
		t.Fatalf("write query: %v", err)
	}

	reply := decodeMsg(t, recvWithTimeout(t, client))
	if reply.T != "t1" || reply.Y != krpc.TypeResponse {
		t.Fatalf("unexpected reply envelope: %+v", reply)
	}
	want := string(sender[:19]) + string(id[19])
	if reply.R.ID != want {
		t.Fatalf("reply id = %x, want %x", reply.R.ID, want)
	}
}

func TestAnnouncePeerUnseenExplicitPort(t *testing.T) {
	fetch := &recordingFetcher{}
	_, client, _ := newTestEngine(t, fetch)

	sender := make([]byte, 20)
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i)
	}
	query := mustMarshalMsg(krpc.Msg{T: "t2", Y: krpc.TypeQuery, Q: krpc.QueryAnnouncePeer, A: &krpc.Args{
		ID: string(sender), InfoHash: string(hash), Port: 5678, ImpliedPort: 0,
	}})
	client.Write(query)

	reply := decodeMsg(t, recvWithTimeout(t, client))
	if reply.Y != krpc.TypeResponse {
		t.Fatalf("expected ping_r reply")
	}

	deadline := time.Now().Add(time.Second)
	for len(fetch.requests) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(fetch.requests) != 1 {
		t.Fatalf("expected exactly 1 fetch scheduled, got %d", len(fetch.requests))
	}
	if fetch.requests[0].Peer.Port != 5678 {
		t.Fatalf("expected fetch to explicit port 5678, got %d", fetch.requests[0].Peer.Port)
	}
}

func TestAnnouncePeerImpliedPort(t *testing.T) {
	fetch := &recordingFetcher{}
	_, client, _ := newTestEngine(t, fetch)

	sender := make([]byte, 20)
	hash := make([]byte, 20)
	query := mustMarshalMsg(krpc.Msg{T: "t3", Y: krpc.TypeQuery, Q: krpc.QueryAnnouncePeer, A: &krpc.Args{
		ID: string(sender), InfoHash: string(hash), Port: 5678, ImpliedPort: 1,
	}})
	client.Write(query)
	recvWithTimeout(t, client)

	clientPort := client.LocalAddr().(*net.UDPAddr).Port

	deadline := time.Now().Add(time.Second)
	for len(fetch.requests) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(fetch.requests) != 1 {
		t.Fatalf("expected exactly 1 fetch scheduled, got %d", len(fetch.requests))
	}
	if int(fetch.requests[0].Peer.Port) != clientPort {
		t.Fatalf("expected fetch to implied source port %d, got %d", clientPort, fetch.requests[0].Peer.Port)
	}
}

func TestAnnouncePeerAlreadySeenSkipsFetch(t *testing.T) {
	fetch := &recordingFetcher{}
	id := identity.NodeID{}
	for i := range id {
		id[i] = byte(i + 1)
	}
	seen := bloomset.New(1000, 1e-4, t.TempDir()+"/filter")
	var hash identity.InfoHash
	for i := range hash {
		hash[i] = byte(i)
	}
	seen.Add(hash)

	cfg := &config.Config{TransactionTableLimit: 16, FindInterval: time.Hour, StatusInterval: time.Hour}
	e := New(id, cfg, seen, fetch, Hooks{})
	if err := e.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Close()
	client, _ := net.DialUDP("udp", nil, e.conn.LocalAddr().(*net.UDPAddr))
	defer client.Close()

	sender := make([]byte, 20)
	query := mustMarshalMsg(krpc.Msg{T: "t4", Y: krpc.TypeQuery, Q: krpc.QueryAnnouncePeer, A: &krpc.Args{
		ID: string(sender), InfoHash: string(hash[:]), Port: 5678,
	}})
	client.Write(query)
	recvWithTimeout(t, client) // still gets a ping_r reply

	time.Sleep(100 * time.Millisecond)
	if len(fetch.requests) != 0 {
		t.Fatalf("expected no fetch for already-seen info_hash, got %d", len(fetch.requests))
	}
}

func mustMarshalMsg(m krpc.Msg) []byte {
	b, err := bencode.Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}
