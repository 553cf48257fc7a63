package krpc

import (
	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/omnicrawl/internal/identity"
)

// Codec builds and parses KRPC messages for a single local node. It owns the
// transaction table; it is otherwise stateless.
type Codec struct {
	txns *transactionTable
}

// NewCodec constructs a Codec whose outstanding-transaction table holds at
// most maxTransactions entries.
func NewCodec(maxTransactions int) *Codec {
	return &Codec{txns: newTransactionTable(maxTransactions)}
}

// Ping encodes a ping query from id.
func (c *Codec) Ping(id identity.NodeID) []byte {
	tid := c.txns.register(QueryPing, "")
	return mustMarshal(Msg{T: tid, Y: TypeQuery, Q: QueryPing, A: &Args{ID: string(id[:])}})
}

// FindNode encodes a find_node query from id targeting target.
func (c *Codec) FindNode(id, target identity.NodeID) []byte {
	tid := c.txns.register(QueryFindNode, "")
	return mustMarshal(Msg{T: tid, Y: TypeQuery, Q: QueryFindNode, A: &Args{ID: string(id[:]), Target: string(target[:])}})
}

// GetPeers encodes a get_peers query from id for infoHash, registering a
// transaction that correlates the eventual response with infoHash.
func (c *Codec) GetPeers(id identity.NodeID, infoHash identity.InfoHash) []byte {
	tid := c.txns.register(QueryGetPeers, string(infoHash[:]))
	return mustMarshal(Msg{T: tid, Y: TypeQuery, Q: QueryGetPeers, A: &Args{ID: string(id[:]), InfoHash: string(infoHash[:])}})
}

// PingResponse encodes a ping_r reply echoing transaction id t.
func (c *Codec) PingResponse(t string, id identity.NodeID) []byte {
	return mustMarshal(Msg{T: t, Y: TypeResponse, R: &Return{ID: string(id[:])}})
}

// FindNodeResponse encodes a find_node_r reply. nodes is the raw compact
// node-list bytes (possibly empty, per spec.md §4.5's edge-sybil policy).
func (c *Codec) FindNodeResponse(t string, id identity.NodeID, nodes []byte) []byte {
	return mustMarshal(Msg{T: t, Y: TypeResponse, R: &Return{ID: string(id[:]), Nodes: string(nodes)}})
}

// GetPeersResponse encodes a get_peers_r reply. token is the short,
// deliberately non-cryptographic value echoed by future announce_peer
// (spec.md §9 "Token handling").
func (c *Codec) GetPeersResponse(t string, id identity.NodeID, token string, nodes []byte) []byte {
	return mustMarshal(Msg{T: t, Y: TypeResponse, R: &Return{ID: string(id[:]), Token: token, Nodes: string(nodes)}})
}

// Token derives the get_peers response token for infoHash: its first two
// bytes, per spec.md §4.4.
func Token(infoHash identity.InfoHash) string {
	return string(infoHash[:2])
}

func mustMarshal(m Msg) []byte {
	b, err := bencode.Marshal(m)
	if err != nil {
		// Msg is a closed, fully-typed struct; marshaling it can only fail
		// on a programmer error (e.g. a cyclic interface{} value), which
		// none of these fields can hold.
		panic("krpc: marshal of well-formed message failed: " + err.Error())
	}
	return b
}
