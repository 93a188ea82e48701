// Package labels maps classifier output indices to human-readable labels.
package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrLookup is returned when an index falls outside the catalog.
var ErrLookup = errors.New("label index out of range")

// Entry is one class of the catalog, e.g. {"n02123045", "tabby"}.
type Entry struct {
	SynsetID string
	Name     string
}

// Catalog is immutable once parsed and safe for concurrent reads.
type Catalog struct {
	entries []Entry
}

// New builds a catalog from entries ordered by class index.
func New(entries []Entry) *Catalog {
	c := &Catalog{entries: make([]Entry, len(entries))}
	copy(c.entries, entries)
	return c
}

// Parse reads the class index JSON format:
//
//	{"0": ["n01440764", "tench"], "1": ["n01443537", "goldfish"], ...}
//
// Keys must cover 0..N-1 exactly and every display name must be non-empty.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse label catalog: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("label catalog is empty")
	}

	entries := make([]Entry, len(raw))
	seen := make([]bool, len(raw))
	for key, pair := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(raw) {
			return nil, fmt.Errorf("label catalog key %q is not an index in [0, %d)", key, len(raw))
		}
		if len(pair) != 2 || pair[1] == "" {
			return nil, fmt.Errorf("label catalog entry %d must be [synset, name], got %q", idx, pair)
		}
		if seen[idx] {
			return nil, fmt.Errorf("label catalog index %d is duplicated", idx)
		}
		seen[idx] = true
		entries[idx] = Entry{SynsetID: pair[0], Name: pair[1]}
	}

	return &Catalog{entries: entries}, nil
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

// Resolve returns the entry for index.
func (c *Catalog) Resolve(index int) (Entry, error) {
	if index < 0 || index >= len(c.entries) {
		return Entry{}, fmt.Errorf("index %d not in [0, %d): %w", index, len(c.entries), ErrLookup)
	}
	return c.entries[index], nil
}
