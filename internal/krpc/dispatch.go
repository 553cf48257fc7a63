package krpc

import (
	"log"
	"net"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/omnicrawl/internal/identity"
)

// Handlers is implemented by the DHT engine. Each method corresponds to one
// of the eight inbound message shapes C5 routes to C6 (spec.md §4.5): the
// four query kinds, the two response kinds this crawler ever solicits
// (find_node and get_peers), and the two catch-alls for everything else.
type Handlers interface {
	OnPing(from net.Addr, t string, args Args)
	OnFindNode(from net.Addr, t string, args Args)
	OnGetPeers(from net.Addr, t string, args Args)
	OnAnnouncePeer(from net.Addr, t string, args Args)

	OnFindNodeResponse(from net.Addr, ret Return)
	OnGetPeersResponse(from net.Addr, infoHash identity.InfoHash, ret Return)

	OnUnknownQuery(from net.Addr, t, query string)
	OnError(from net.Addr, e []interface{})
}

// Handle decodes a single inbound datagram and routes it to the matching
// Handlers method. Malformed input (not a bencoded dict, missing "y", or any
// decode failure) is dropped silently — per spec.md §4.5, a hostile or
// truncated datagram must never abort the read loop.
func (c *Codec) Handle(data []byte, from net.Addr, h Handlers) {
	var msg Msg
	if err := bencode.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Y == "" {
		return
	}

	switch msg.Y {
	case TypeQuery:
		c.handleQuery(from, msg, h)
	case TypeResponse:
		c.handleResponse(from, msg, h)
	case TypeError:
		h.OnError(from, msg.E)
	default:
		log.Printf("[krpc] dropping datagram from %s with unknown y=%q", from, msg.Y)
	}
}

func (c *Codec) handleQuery(from net.Addr, msg Msg, h Handlers) {
	if msg.A == nil {
		return
	}
	switch msg.Q {
	case QueryPing:
		h.OnPing(from, msg.T, *msg.A)
	case QueryFindNode:
		h.OnFindNode(from, msg.T, *msg.A)
	case QueryGetPeers:
		h.OnGetPeers(from, msg.T, *msg.A)
	case QueryAnnouncePeer:
		h.OnAnnouncePeer(from, msg.T, *msg.A)
	default:
		h.OnUnknownQuery(from, msg.T, msg.Q)
	}
}

// handleResponse routes a "r" message by the shape of r itself (spec.md
// §4.4): presence of "nodes" means a find_node response, presence of
// "values" together with a registered transaction means a get_peers
// response. A peer holding no peers for a hash legitimately answers
// get_peers with only nodes, so shape — not the kind of query that was
// sent — decides the route; the registered transaction is consulted only to
// recover the info_hash a get_peers response cannot otherwise carry. An
// unrecognized or already-consumed transaction id is dropped: with no
// registered transaction, no response this crawler receives can be
// attributed to a query it actually sent (spec.md §9 open question,
// resolved: ignore).
func (c *Codec) handleResponse(from net.Addr, msg Msg, h Handlers) {
	if msg.R == nil {
		return
	}
	tx, ok := c.txns.take(msg.T)
	if !ok {
		return
	}

	switch {
	case msg.R.Nodes != "":
		h.OnFindNodeResponse(from, *msg.R)
	case msg.R.Values != nil:
		var infoHash identity.InfoHash
		copy(infoHash[:], tx.InfoHash)
		h.OnGetPeersResponse(from, infoHash, *msg.R)
	}
}
