// Package identity implements 160-bit DHT node identifiers and the
// compact wire encodings used to carry them (and peer addresses) over KRPC.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// Size is the length in bytes of a NodeID or InfoHash.
const Size = 20

// NodeID is the 160-bit identifier of a DHT participant.
type NodeID [Size]byte

// InfoHash is the SHA-1 of a torrent's bencoded info dictionary.
type InfoHash [Size]byte

func (id NodeID) String() string   { return fmt.Sprintf("%x", id[:]) }
func (h InfoHash) String() string  { return fmt.Sprintf("%x", h[:]) }
func (id NodeID) Bytes() []byte    { return id[:] }
func (h InfoHash) Bytes() []byte   { return h[:] }

// New generates a NodeID from a cryptographically strong random source.
func New() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("generate node id: %w", err)
	}
	return id, nil
}

// FakeIDNear returns an id that agrees with target on its first 19 bytes and
// with own on its last byte: target[0:19] || own[19:20]. This makes the
// responder look like a near neighbor of target, per spec.md §4.1. When
// target is the zero value (absent), own is returned unchanged.
func FakeIDNear(target, own NodeID) NodeID {
	if target == (NodeID{}) {
		return own
	}
	var out NodeID
	copy(out[:Size-1], target[:Size-1])
	out[Size-1] = own[Size-1]
	return out
}

// CompactNode is the 26-byte (id:20, ip:4, port:2) record used in find_node
// responses.
type CompactNode struct {
	ID   NodeID
	IP   net.IP
	Port uint16
}

const compactNodeLen = Size + 4 + 2
const compactPeerLen = 4 + 2

// DecodeCompactNodes parses buf as a sequence of 26-byte compact node
// records. Trailing bytes shorter than one record are silently ignored.
// A record whose IP is not a valid IPv4 address is skipped, as is any
// record whose remaining length underflows; decoding resumes at the next
// record boundary.
func DecodeCompactNodes(buf []byte) []CompactNode {
	var out []CompactNode
	for off := 0; off+compactNodeLen <= len(buf); off += compactNodeLen {
		rec := buf[off : off+compactNodeLen]
		var id NodeID
		copy(id[:], rec[:Size])
		ip := net.IP(append([]byte(nil), rec[Size:Size+4]...)).To4()
		if ip == nil {
			continue
		}
		port := binary.BigEndian.Uint16(rec[Size+4 : Size+6])
		out = append(out, CompactNode{ID: id, IP: ip, Port: port})
	}
	return out
}

// ContactAddress is an IPv4 address and port, role-agnostic (UDP or TCP).
type ContactAddress struct {
	IP   net.IP
	Port uint16
}

func (a ContactAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// UDPAddr returns a *net.UDPAddr for this contact address.
func (a ContactAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// TCPAddr returns a *net.TCPAddr for this contact address.
func (a ContactAddress) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

// DecodeCompactPeers parses each element of values as a 6-byte (ip:4,
// port:2) compact peer record. Entries of any other length are dropped.
func DecodeCompactPeers(values [][]byte) []ContactAddress {
	var out []ContactAddress
	for _, v := range values {
		if len(v) != compactPeerLen {
			continue
		}
		ip := net.IP(append([]byte(nil), v[:4]...)).To4()
		if ip == nil {
			continue
		}
		port := binary.BigEndian.Uint16(v[4:6])
		out = append(out, ContactAddress{IP: ip, Port: port})
	}
	return out
}

// EncodeCompactPeer renders a ContactAddress as its 6-byte compact form.
func EncodeCompactPeer(a ContactAddress) ([]byte, bool) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil, false
	}
	buf := make([]byte, compactPeerLen)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], a.Port)
	return buf, true
}
