// Package krpc implements the bencoded KRPC query/response/error messages
// of the Mainline DHT (BEP-5) and a dispatcher that routes decoded messages
// to handler callbacks while tracking outstanding transactions.
package krpc

// Msg is a single KRPC datagram payload: a bencoded dictionary with the
// mandatory "t" and "y" keys, plus "q"+"a", "r", or "e" depending on "y".
type Msg struct {
	T string `bencode:"t"`
	Y string `bencode:"y"`
	Q string `bencode:"q,omitempty"`
	A *Args  `bencode:"a,omitempty"`
	R *Return `bencode:"r,omitempty"`
	E []interface{} `bencode:"e,omitempty"`
}

// Args carries the named arguments of a query.
type Args struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

// Return carries the fields of a response.
type Return struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Query kinds.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

// Message type ("y") values.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)
