package dht

import (
	"log"
	"net"

	"github.com/omnicloud/omnicrawl/internal/identity"
	"github.com/omnicloud/omnicrawl/internal/krpc"
)

// senderID extracts the 20-byte node id from a query's "id" argument. A
// missing id decodes to the zero NodeID, which FakeIDNear treats as
// "absent" and returns our own id unchanged — a reasonable, inert fallback.
// A short id keeps its bytes and is zero-padded to 20 bytes.
func senderID(args krpc.Args) identity.NodeID {
	var id identity.NodeID
	copy(id[:], args.ID)
	return id
}

func udpAddrOf(from net.Addr) (*net.UDPAddr, bool) {
	a, ok := from.(*net.UDPAddr)
	return a, ok
}

// OnPing answers ping_r with a fake id near the sender, per spec.md §4.5.
func (e *Engine) OnPing(from net.Addr, t string, args krpc.Args) {
	addr, ok := udpAddrOf(from)
	if !ok {
		return
	}
	fake := identity.FakeIDNear(senderID(args), e.id)
	e.send(e.codec.PingResponse(t, fake), addr)
}

// OnFindNode answers find_node_r with an empty node list: this engine
// maintains no routing table to share (edge-sybil policy, spec.md §4.5).
func (e *Engine) OnFindNode(from net.Addr, t string, args krpc.Args) {
	addr, ok := udpAddrOf(from)
	if !ok {
		return
	}
	fake := identity.FakeIDNear(senderID(args), e.id)
	e.send(e.codec.FindNodeResponse(t, fake, nil), addr)
}

// OnGetPeers answers get_peers_r with token=info_hash[0:2] and no nodes,
// then fires the on_get_peers hook.
func (e *Engine) OnGetPeers(from net.Addr, t string, args krpc.Args) {
	addr, ok := udpAddrOf(from)
	if !ok {
		return
	}
	var infoHash identity.InfoHash
	copy(infoHash[:], args.InfoHash)

	fake := identity.FakeIDNear(senderID(args), e.id)
	token := krpc.Token(infoHash)
	e.send(e.codec.GetPeersResponse(t, fake, token, nil), addr)

	contact := identity.ContactAddress{IP: addr.IP, Port: uint16(addr.Port)}
	runHook("on_get_peers", func() {
		if e.hooks.OnGetPeers != nil {
			e.hooks.OnGetPeers(infoHash, contact)
		}
	})
}

// OnAnnouncePeer replies ping_r, then — if the info_hash is not already
// seen and a peer port can be derived — schedules a metadata fetch, and
// always fires the on_announce_peer hook.
func (e *Engine) OnAnnouncePeer(from net.Addr, t string, args krpc.Args) {
	addr, ok := udpAddrOf(from)
	if !ok {
		return
	}

	fake := identity.FakeIDNear(senderID(args), e.id)
	e.send(e.codec.PingResponse(t, fake), addr)

	var infoHash identity.InfoHash
	copy(infoHash[:], args.InfoHash)

	port, ok := peerPort(args, addr)
	if !ok {
		log.Printf("[dht] announce_peer from %s: no derivable peer port, dropping fetch", addr)
	} else if e.seen.Contains(infoHash) {
		// pre-checked positive: skip the fetch (spec.md §4.5 SeenSet semantics).
	} else if e.fetch != nil {
		e.fetch.Submit(FetchRequest{
			InfoHash: infoHash,
			Peer:     identity.ContactAddress{IP: addr.IP, Port: port},
		})
	}

	contact := identity.ContactAddress{IP: addr.IP, Port: uint16(addr.Port)}
	runHook("on_announce_peer", func() {
		if e.hooks.OnAnnouncePeer != nil {
			e.hooks.OnAnnouncePeer(infoHash, contact)
		}
	})
}

// peerPort derives the announced peer's TCP port per spec.md §4.5: if
// implied_port is present and non-zero, use the sender's UDP source port;
// otherwise use the explicit port argument. Neither yields false.
func peerPort(args krpc.Args, from *net.UDPAddr) (uint16, bool) {
	if args.ImpliedPort != 0 {
		return uint16(from.Port), true
	}
	if args.Port != 0 {
		return uint16(args.Port), true
	}
	return 0, false
}

// OnFindNodeResponse pings every returned compact node with a near-id, to
// prompt it to insert us into its routing table (spec.md §4.5). No identity
// validation is performed.
func (e *Engine) OnFindNodeResponse(from net.Addr, ret krpc.Return) {
	nodes := identity.DecodeCompactNodes([]byte(ret.Nodes))
	for _, n := range nodes {
		addr := &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
		fake := identity.FakeIDNear(n.ID, e.id)
		e.send(e.codec.Ping(fake), addr)
	}
}

// OnGetPeersResponse submits a metadata fetch for every compact peer
// returned, gated by the fetch concurrency limit enforced downstream.
func (e *Engine) OnGetPeersResponse(from net.Addr, infoHash identity.InfoHash, ret krpc.Return) {
	if e.fetch == nil {
		return
	}
	raw := make([][]byte, len(ret.Values))
	for i, v := range ret.Values {
		raw[i] = []byte(v)
	}
	for _, peer := range identity.DecodeCompactPeers(raw) {
		e.fetch.Submit(FetchRequest{InfoHash: infoHash, Peer: peer})
	}
}

// OnUnknownQuery logs and ignores unrecognized query kinds.
func (e *Engine) OnUnknownQuery(from net.Addr, t, query string) {
	log.Printf("[dht] unknown query %q from %s", query, from)
}

// OnError logs and ignores inbound KRPC error messages.
func (e *Engine) OnError(from net.Addr, ev []interface{}) {
	log.Printf("[dht] error message from %s: %v", from, ev)
}
