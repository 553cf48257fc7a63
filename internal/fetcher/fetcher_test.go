package fetcher

import (
	"crypto/sha1"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/omnicrawl/internal/identity"
)

// cannedPeer speaks just enough of the BT+extension+metadata protocol to
// drive one Session to completion, for the end-to-end scenarios.
func cannedPeer(t *testing.T, ln net.Listener, infoHash identity.InfoHash, metadata []byte, corrupt bool) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs := make([]byte, handshakeLen)
		if _, err := readFull(conn, hs); err != nil {
			return
		}
		reply := make([]byte, handshakeLen)
		reply[0] = byte(len(pstr))
		copy(reply[1:], pstr)
		copy(reply[1+len(pstr)+8:], infoHash[:])
		conn.Write(reply)

		// read and ignore the client's extension handshake
		if _, _, err := readExtendedMessage(conn); err != nil {
			return
		}

		const peerDeclaredUtMetaID = 3
		peerHS, _ := bencode.Marshal(extHandshakePeerDict{M: map[string]int{"ut_metadata": peerDeclaredUtMetaID}, MetadataSize: len(metadata)})
		sendFrame(conn, append([]byte{extendedMsgID, 0}, peerHS...))

		numPieces := (len(metadata) + pieceSize - 1) / pieceSize
		for i := 0; i < numPieces; i++ {
			if _, _, err := readExtendedMessage(conn); err != nil {
				return
			}
			lo := i * pieceSize
			hi := lo + pieceSize
			if hi > len(metadata) {
				hi = len(metadata)
			}
			piece := metadata[lo:hi]
			if corrupt {
				piece = append([]byte(nil), piece...)
				if len(piece) > 0 {
					piece[0] ^= 0xFF
				}
			}
			header, _ := bencode.Marshal(pieceHeader{MsgType: metadataMsgData, Piece: i})
			body := append(header, piece...)
			sendFrame(conn, append([]byte{extendedMsgID, localUtMetaID}, body...))
		}
	}()
}

func sendFrame(conn net.Conn, msg []byte) {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(msg)))
	conn.Write(lenPrefix[:])
	conn.Write(msg)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func listenerAddr(t *testing.T, ln net.Listener) identity.ContactAddress {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	return identity.ContactAddress{IP: addr.IP, Port: uint16(addr.Port)}
}

func TestEndToEndMetadataFetch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	metadata := []byte("d4:name7:test.ite")
	infoHash := identity.InfoHash(sha1.Sum(metadata))

	cannedPeer(t, ln, infoHash, metadata, false)

	var gotDict map[string]interface{}
	var gotRaw []byte
	done := make(chan struct{})

	sess := &Session{
		InfoHash: infoHash,
		Peer:     listenerAddr(t, ln),
		OnSuccess: func(ih identity.InfoHash, dict map[string]interface{}, raw []byte) {
			gotDict = dict
			gotRaw = raw
			close(done)
		},
	}

	if err := sess.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnSuccess was not invoked")
	}

	if string(gotRaw) != string(metadata) {
		t.Fatalf("raw metadata = %q, want %q", gotRaw, metadata)
	}
	if gotDict["name"] != "test.it" {
		t.Fatalf("decoded name = %v, want test.it", gotDict["name"])
	}
}

func TestHashMismatchAbortsSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	metadata := []byte("d4:name7:test.ite")
	infoHash := identity.InfoHash(sha1.Sum(metadata))

	cannedPeer(t, ln, infoHash, metadata, true)

	called := false
	sess := &Session{
		InfoHash: infoHash,
		Peer:     listenerAddr(t, ln),
		OnSuccess: func(identity.InfoHash, map[string]interface{}, []byte) {
			called = true
		},
	}

	if err := sess.Run(); err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	if called {
		t.Fatalf("OnSuccess must not be invoked on hash mismatch")
	}
}

func TestDecodePieceHeaderHandlesNestedDict(t *testing.T) {
	// A header whose bencoding contains a nested dict ahead of the outer
	// terminator — the case the naive "first ee" scan gets wrong.
	type nested struct {
		MsgType int            `bencode:"msg_type"`
		Piece   int            `bencode:"piece"`
		Extra   map[string]int `bencode:"extra"`
	}
	encoded, err := bencode.Marshal(nested{MsgType: metadataMsgData, Piece: 2, Extra: map[string]int{"a": 1}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload := append(append([]byte(nil), encoded...), []byte("PIECEBYTES")...)

	h, consumed, err := decodePieceHeader(payload)
	if err != nil {
		t.Fatalf("decodePieceHeader: %v", err)
	}
	if h.Piece != 2 || h.MsgType != metadataMsgData {
		t.Fatalf("unexpected header: %+v", h)
	}
	if string(payload[consumed:]) != "PIECEBYTES" {
		t.Fatalf("expected remainder PIECEBYTES, got %q", payload[consumed:])
	}
}
