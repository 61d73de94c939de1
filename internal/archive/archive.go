package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Archive is the replay-side view: every recorded exchange loaded into
// memory, indexed by canonical key. Lookups are lock-free; the structure
// is immutable after Load.
type Archive struct {
	ID      uuid.UUID
	Path    string
	entries []Entry

	index   map[string][]int          // fingerprint -> entry positions, insertion order
	cursors map[string]*atomic.Uint32 // fingerprint -> next position to serve
}

// Load reads an archive file for replay.
func Load(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrArchive, path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	id, err := readFileHeader(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	a := &Archive{
		ID:      id,
		Path:    path,
		index:   map[string][]int{},
		cursors: map[string]*atomic.Uint32{},
	}
	for {
		e, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: record %d: %w", path, len(a.entries), err)
		}
		fp := e.Key.Fingerprint()
		a.index[fp] = append(a.index[fp], len(a.entries))
		a.entries = append(a.entries, e)
	}
	for fp := range a.index {
		a.cursors[fp] = &atomic.Uint32{}
	}
	return a, nil
}

// Len returns the number of recorded exchanges.
func (a *Archive) Len() int { return len(a.entries) }

// Lookup finds the response for key, advancing the per-key cursor so N
// identical requests observe the N recorded responses in insertion
// order, saturating at the last one. The second return is false on a
// miss.
func (a *Archive) Lookup(key Key) (Response, bool) {
	fp := key.Fingerprint()
	positions, ok := a.index[fp]
	if !ok {
		return Response{}, false
	}
	n := a.cursors[fp].Add(1) - 1
	if int(n) >= len(positions) {
		n = uint32(len(positions) - 1)
	}
	return a.entries[positions[n]].Response, true
}

// Peek returns the first recorded response for key without touching the
// cursor.
func (a *Archive) Peek(key Key) (Response, bool) {
	positions, ok := a.index[key.Fingerprint()]
	if !ok {
		return Response{}, false
	}
	return a.entries[positions[0]].Response, true
}

// Writer is the record-side view: an append-only log. Appends are
// serialized and synced to disk before returning, so a committed record
// survives the process.
type Writer struct {
	ID   uuid.UUID
	Path string

	mu    sync.Mutex
	f     *os.File
	count int
}

// Create opens a fresh archive file for recording, truncating any
// previous content, and stamps a new archive identity into the header.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrArchive, path, err)
	}
	id := uuid.New()
	if err := writeFileHeader(f, id); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: sync %s: %v", ErrArchive, path, err)
	}
	return &Writer{ID: id, Path: path, f: f}, nil
}

// Append commits one exchange. The record is durable when Append
// returns.
func (w *Writer) Append(key Key, resp Response) error {
	encoded := encodeEntry(Entry{Key: key, Response: resp})

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("%w: writer is closed", ErrArchive)
	}
	if _, err := w.f.Write(encoded); err != nil {
		return fmt.Errorf("%w: append to %s: %v", ErrArchive, w.Path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrArchive, w.Path, err)
	}
	w.count++
	return nil
}

// Len returns the number of committed records.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the log. Further Appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrArchive, w.Path, err)
	}
	return nil
}
