// Package fetcher implements the metadata fetcher (C7): a one-shot TCP
// session that performs a BitTorrent handshake (BEP-3), an extension
// handshake (BEP-10), and a ut_metadata piece exchange (BEP-9) against a
// single candidate peer, verifying the reassembled info dictionary against
// its declared info_hash.
package fetcher

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/omnicrawl/internal/identity"
)

const (
	pstr            = "BitTorrent protocol"
	handshakeLen    = 1 + len(pstr) + 8 + 20 + 20
	pieceSize       = 16384
	localUtMetaID   = 1 // the id we tell peers to use when addressing us
	extendedMsgID   = 20
	extHandshakeSub = 0

	connectTimeout   = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	frameTimeout     = 10 * time.Second
)

// OnSuccess is invoked at most once per session, with the verified info
// dictionary decoded from its bencoded bytes.
type OnSuccess func(infoHash identity.InfoHash, infoDict map[string]interface{}, raw []byte)

// Session is a single, one-shot metadata fetch against one peer.
type Session struct {
	InfoHash  identity.InfoHash
	Peer      identity.ContactAddress
	LocalID   [20]byte
	OnSuccess OnSuccess
}

// Run executes the full fetch protocol. Any failure — timeout, reset,
// decode error, hash mismatch — ends the session silently: the error is
// returned for logging by the caller, never panicked, and the socket is
// closed on every exit path. OnSuccess fires at most once, only on the
// success path.
func (s *Session) Run() error {
	conn, err := net.DialTimeout("tcp", s.Peer.TCPAddr().String(), connectTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.Peer, err)
	}
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		return err
	}

	peerUtMetaID, metadataSize, err := s.extensionHandshake(conn)
	if err != nil {
		return err
	}

	infoDict, raw, err := s.fetchMetadata(conn, peerUtMetaID, metadataSize)
	if err != nil {
		return err
	}

	if s.OnSuccess != nil {
		s.OnSuccess(s.InfoHash, infoDict, raw)
	}
	return nil
}

// handshake performs the BEP-3 exchange and validates the peer echoes our
// info_hash.
func (s *Session) handshake(conn net.Conn) error {
	out := make([]byte, handshakeLen)
	out[0] = byte(len(pstr))
	copy(out[1:], pstr)
	// reserved bytes are already zero; set bit 20 (byte index 5, 0x10) to
	// advertise extension protocol support.
	out[1+len(pstr)+5] = 0x10
	copy(out[1+len(pstr)+8:], s.InfoHash[:])
	copy(out[1+len(pstr)+8+20:], s.LocalID[:])

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	reply := make([]byte, handshakeLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}

	start := 1 + len(pstr) + 8
	if !bytes.Equal(reply[start:start+20], s.InfoHash[:]) {
		return fmt.Errorf("handshake info_hash mismatch from %s", s.Peer)
	}
	return nil
}

type extHandshakeBody struct {
	M map[string]int `bencode:"m"`
}

type extHandshakePeerDict struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size"`
}

// extensionHandshake sends our BEP-10 handshake and reads the peer's,
// returning the extension id the peer wants us to use for ut_metadata
// messages and the declared metadata size.
func (s *Session) extensionHandshake(conn net.Conn) (peerUtMetaID int, metadataSize int, err error) {
	body, err := bencode.Marshal(extHandshakeBody{M: map[string]int{"ut_metadata": localUtMetaID}})
	if err != nil {
		return 0, 0, fmt.Errorf("encode extension handshake: %w", err)
	}
	if err := writeExtendedMessage(conn, extHandshakeSub, body); err != nil {
		return 0, 0, fmt.Errorf("write extension handshake: %w", err)
	}

	for {
		subID, payload, err := readExtendedMessage(conn)
		if err != nil {
			return 0, 0, err
		}
		if subID != extHandshakeSub {
			// a data/reject message arriving before the peer's own
			// handshake cannot be interpreted; drop and keep waiting.
			continue
		}
		var peer extHandshakePeerDict
		if err := bencode.Unmarshal(payload, &peer); err != nil {
			return 0, 0, fmt.Errorf("decode peer extension handshake: %w", err)
		}
		id, ok := peer.M["ut_metadata"]
		if !ok {
			return 0, 0, fmt.Errorf("peer %s does not support ut_metadata", s.Peer)
		}
		return id, peer.MetadataSize, nil
	}
}

type pieceRequest struct {
	MsgType int `bencode:"msg_type"`
	Piece   int `bencode:"piece"`
}

type pieceHeader struct {
	MsgType int `bencode:"msg_type"`
	Piece   int `bencode:"piece"`
}

const (
	metadataMsgRequest = 0
	metadataMsgData     = 1
	metadataMsgReject   = 2
)

// fetchMetadata requests every piece, reassembles them, and verifies the
// result against InfoHash.
func (s *Session) fetchMetadata(conn net.Conn, peerUtMetaID, metadataSize int) (map[string]interface{}, []byte, error) {
	if metadataSize <= 0 {
		return nil, nil, fmt.Errorf("peer %s declared non-positive metadata_size %d", s.Peer, metadataSize)
	}
	numPieces := (metadataSize + pieceSize - 1) / pieceSize
	pieces := make([][]byte, numPieces)
	filled := make([]bool, numPieces)
	remaining := numPieces

	for i := 0; i < numPieces; i++ {
		reqBody, err := bencode.Marshal(pieceRequest{MsgType: metadataMsgRequest, Piece: i})
		if err != nil {
			return nil, nil, fmt.Errorf("encode piece request %d: %w", i, err)
		}
		if err := writeExtendedMessage(conn, peerUtMetaID, reqBody); err != nil {
			return nil, nil, fmt.Errorf("send piece request %d: %w", i, err)
		}
	}

	for remaining > 0 {
		subID, payload, err := readExtendedMessage(conn)
		if err != nil {
			return nil, nil, err
		}
		if subID != localUtMetaID {
			continue
		}

		header, consumed, err := decodePieceHeader(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("decode piece header: %w", err)
		}
		if header.MsgType == metadataMsgReject {
			return nil, nil, fmt.Errorf("peer %s rejected piece %d", s.Peer, header.Piece)
		}
		if header.MsgType != metadataMsgData {
			continue
		}
		if header.Piece < 0 || header.Piece >= numPieces {
			continue
		}
		if filled[header.Piece] {
			continue
		}

		data := payload[consumed:]
		pieces[header.Piece] = data
		filled[header.Piece] = true
		remaining--
	}

	raw := bytes.Join(pieces, nil)
	if len(raw) != metadataSize {
		return nil, nil, fmt.Errorf("reassembled metadata size %d != declared %d", len(raw), metadataSize)
	}

	sum := sha1.Sum(raw)
	if identity.InfoHash(sum) != s.InfoHash {
		return nil, nil, fmt.Errorf("metadata hash mismatch for %s", s.InfoHash)
	}

	var infoDict map[string]interface{}
	if err := bencode.Unmarshal(raw, &infoDict); err != nil {
		return nil, nil, fmt.Errorf("decode info dict: %w", err)
	}
	return infoDict, raw, nil
}

// decodePieceHeader locates the end of the single bencoded dictionary value
// at the start of payload and decodes it, returning the number of bytes it
// occupies so the caller can slice the raw piece bytes that follow.
//
// The naive approach of scanning for the first literal "ee" is wrong: a
// header containing any nested dict or list (e.g. a length value that
// happens to be a dict) closes with "ee" well before the outer dictionary
// actually ends. bencodeValueEnd instead walks the structure — byte strings
// by their explicit length prefix, integers and containers by their own
// terminators — so nesting of any depth is handled correctly.
func decodePieceHeader(payload []byte) (pieceHeader, int, error) {
	end, err := bencodeValueEnd(payload, 0)
	if err != nil {
		return pieceHeader{}, 0, err
	}
	var h pieceHeader
	if err := bencode.Unmarshal(payload[:end], &h); err != nil {
		return pieceHeader{}, 0, err
	}
	return h, end, nil
}

// bencodeValueEnd returns the offset just past the single bencoded value
// starting at payload[start], recursing into lists and dictionaries.
func bencodeValueEnd(payload []byte, start int) (int, error) {
	if start >= len(payload) {
		return 0, fmt.Errorf("bencode: unexpected end of input")
	}
	switch payload[start] {
	case 'i':
		end := bytes.IndexByte(payload[start:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("bencode: unterminated integer")
		}
		return start + end + 1, nil
	case 'l', 'd':
		pos := start + 1
		for {
			if pos >= len(payload) {
				return 0, fmt.Errorf("bencode: unterminated list/dict")
			}
			if payload[pos] == 'e' {
				return pos + 1, nil
			}
			next, err := bencodeValueEnd(payload, pos)
			if err != nil {
				return 0, err
			}
			pos = next
		}
	default:
		if payload[start] < '0' || payload[start] > '9' {
			return 0, fmt.Errorf("bencode: unexpected token %q", payload[start])
		}
		colon := bytes.IndexByte(payload[start:], ':')
		if colon < 0 {
			return 0, fmt.Errorf("bencode: malformed byte-string length")
		}
		var length int
		if _, err := fmt.Sscanf(string(payload[start:start+colon]), "%d", &length); err != nil {
			return 0, fmt.Errorf("bencode: malformed byte-string length: %w", err)
		}
		strStart := start + colon + 1
		strEnd := strStart + length
		if strEnd > len(payload) {
			return 0, fmt.Errorf("bencode: byte-string exceeds input")
		}
		return strEnd, nil
	}
}

func writeExtendedMessage(conn net.Conn, subID int, body []byte) error {
	msg := make([]byte, 2+len(body))
	msg[0] = extendedMsgID
	msg[1] = byte(subID)
	copy(msg[2:], body)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(msg)))

	conn.SetDeadline(time.Now().Add(frameTimeout))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

// readExtendedMessage reads frames until it finds one carrying an extended
// message (id 0x14), skipping keep-alives and any non-extension message.
func readExtendedMessage(conn net.Conn) (subID int, payload []byte, err error) {
	for {
		var lenPrefix [4]byte
		conn.SetDeadline(time.Now().Add(frameTimeout))
		if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
			return 0, nil, fmt.Errorf("read frame length: %w", err)
		}
		length := binary.BigEndian.Uint32(lenPrefix[:])
		if length == 0 {
			continue // keep-alive
		}

		frame := make([]byte, length)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return 0, nil, fmt.Errorf("read frame body: %w", err)
		}
		if frame[0] != extendedMsgID {
			continue
		}
		return int(frame[1]), frame[2:], nil
	}
}

// LogFailure is the standard way a supervisor-owned caller reports a failed
// session: a single debug-level line, never a propagated error.
func LogFailure(infoHash identity.InfoHash, peer identity.ContactAddress, err error) {
	log.Printf("[fetch] session for %s @ %s failed: %v", infoHash, peer, err)
}
