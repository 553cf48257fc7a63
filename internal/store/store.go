// Package store persists retrieved torrent metadata as bencoded .torrent
// files under a single directory.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent/bencode"

	"github.com/omnicloud/omnicrawl/internal/identity"
)

// Store writes one file per info_hash under Dir. Writes are serialized by mu
// so concurrent completers never interleave bytes into the same file.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes infoDict, bencoded, to <dir>/<hex(infoHash)>.torrent. An
// existing file of the same name is silently overwritten. Write errors are
// logged and not returned to the caller — per spec.md §4.3/§7, persistence
// failures at runtime are non-fatal.
func (s *Store) Save(hash identity.InfoHash, infoDict interface{}) {
	encoded, err := bencode.Marshal(infoDict)
	if err != nil {
		log.Printf("[store] failed to bencode metadata for %s: %v", hash, err)
		return
	}

	path := s.pathFor(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".partial"
	if err := os.WriteFile(tmp, encoded, 0644); err != nil {
		log.Printf("[store] failed to write %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Printf("[store] failed to finalize %s: %v", path, err)
		os.Remove(tmp)
		return
	}
	log.Printf("[store] saved %s (%d bytes)", path, len(encoded))
}

// pathFor returns the on-disk path for hash's .torrent file. Filename hex is
// lower-case, per spec.md §6.
func (s *Store) pathFor(hash identity.InfoHash) string {
	return filepath.Join(s.dir, hash.String()+".torrent")
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }
