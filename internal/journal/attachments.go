package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// AttachmentFieldCache memoizes the attachment field names of each layer.
// Layer schemas are assumed immutable for the life of the cache.
type AttachmentFieldCache struct {
	mu     sync.Mutex
	source SchemaSource
	fields map[string][]string
}

// NewAttachmentFieldCache creates a cache over source. A nil source means
// no layer has attachment fields.
func NewAttachmentFieldCache(source SchemaSource) *AttachmentFieldCache {
	return &AttachmentFieldCache{
		source: source,
		fields: make(map[string][]string),
	}
}

// Fields returns the attachment field names of layerID.
func (c *AttachmentFieldCache) Fields(layerID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if names, ok := c.fields[layerID]; ok {
		return names
	}
	var names []string
	if c.source != nil {
		names = c.source.AttachmentFields(layerID)
	}
	c.fields[layerID] = names
	return names
}

// Reset drops every memoized entry.
func (c *AttachmentFieldCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[string][]string)
}

// ResolvePath turns an attachment value into an absolute path. Names are
// NFC-normalized so the same file typed on different platforms resolves
// identically.
func ResolvePath(home, name string) string {
	name = norm.NFC.String(name)
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(home, name)
}

// FileChecksum returns the hex SHA-256 of the file at path, or nil when the
// file cannot be read.
func FileChecksum(path string) *string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return &sum
}
