// Package bloomset implements the persistent, approximate membership set
// used to avoid re-fetching torrent metadata for an info_hash seen in a
// prior process lifetime.
package bloomset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/omnicloud/omnicrawl/internal/identity"
)

// Filter is a Bloom-filter-backed set of 20-byte identifiers with no false
// negatives: once Add(x) returns, Contains(x) is true until the filter is
// rebuilt from a fresh or loaded snapshot.
type Filter struct {
	mu     sync.RWMutex
	bf     *bloom.BloomFilter
	path   string
	length uint64
}

// New constructs a fresh filter sized for capacity identifiers at the given
// target false-positive rate.
func New(capacity uint, errorRate float64, path string) *Filter {
	return &Filter{
		bf:   bloom.NewWithEstimates(capacity, errorRate),
		path: path,
	}
}

// Load reads path into a new Filter. If path does not exist, a fresh filter
// is constructed instead (not an error). Any other read/decode failure is
// returned — per spec.md §4.2, such a failure is fatal at process startup.
func Load(path string, capacity uint, errorRate float64) (*Filter, error) {
	f := New(capacity, errorRate, path)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("open filter snapshot %s: %w", path, err)
	}
	defer file.Close()

	if _, err := f.bf.ReadFrom(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("load filter snapshot %s: %w", path, err)
	}
	f.length = uint64(f.bf.ApproximatedSize())
	return f, nil
}

// Contains reports whether id may have been added. A false negative never
// happens; a false positive happens at up to the configured error rate.
func (f *Filter) Contains(id identity.InfoHash) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(id[:])
}

// Add records id as seen. Idempotent.
func (f *Filter) Add(id identity.InfoHash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bf.Test(id[:]) {
		f.length++
	}
	f.bf.Add(id[:])
}

// Len returns an estimate of the number of distinct identifiers added.
func (f *Filter) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.length
}

// SnapshotTo atomically writes the filter state to path: a temp file in the
// same directory is written first, then renamed over path, so a crash mid
// write never corrupts the existing snapshot.
func (f *Filter) SnapshotTo(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String()))

	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp snapshot %s: %w", tmp, err)
	}
	w := bufio.NewWriter(file)
	if _, err := f.bf.WriteTo(w); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp snapshot %s: %w", tmp, err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush temp snapshot %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp snapshot %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp snapshot onto %s: %w", path, err)
	}
	return nil
}

// LoadFrom replaces the filter's contents in place by reading r. Exposed
// mainly for tests exercising the round-trip without touching the
// filesystem.
func (f *Filter) LoadFrom(r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.bf.ReadFrom(bufio.NewReader(r)); err != nil {
		return err
	}
	f.length = uint64(f.bf.ApproximatedSize())
	return nil
}

// Path returns the filter's configured snapshot path.
func (f *Filter) Path() string { return f.path }
