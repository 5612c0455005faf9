package journal

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"
)

const (
	// CurrentFileName is the file name of the live journal.
	CurrentFileName = "deltafile.json"

	// SealedGlob matches sealed journal file names.
	SealedGlob = "deltafile_*.json"

	sealedTimeLayout = "20060102T150405.000Z"
)

// Sequence is the in-process counter embedded in sealed journal names.
// Two journals sealed within the same millisecond still get distinct,
// ordered names.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	n atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next sequence number and increments the counter.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last number handed out.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// SealedName returns the file name a journal sealed at now with sequence
// number seq is renamed to. Names sort in sealing order.
func SealedName(now time.Time, seq int64) string {
	return fmt.Sprintf("deltafile_%s_%06d.json", now.UTC().Format(sealedTimeLayout), seq)
}

// SealedJournals lists the sealed journals in dir, oldest first.
func SealedJournals(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, SealedGlob))
	if err != nil {
		return nil, fmt.Errorf("list sealed journals: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}
