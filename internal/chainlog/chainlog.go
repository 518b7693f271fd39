// Package chainlog provides a bounded, append-only, hash-chained log.
// Each record carries the SHA-256 of the canonical form of its
// predecessor, so any in-place mutation is detectable by re-walking the
// chain. Both the delivery proof log and the registry transparency log
// are instances of this structure.
package chainlog

import (
	"strings"
	"sync"

	"github.com/openskills/osp-server/internal/canonical"
)

// GenesisHash is the prev_hash of the first record.
var GenesisHash = strings.Repeat("0", 64)

// Record is one chained log entry. Exactly one of the domain payloads is
// populated per log instance: proof logs use IdempotencyKey + Contract,
// transparency logs use SkillRef + Entry.
type Record struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
	EventType string `json:"event_type"`

	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	SkillRef       string         `json:"skill_ref,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Log is a bounded hash chain. When the bound is exceeded the oldest
// records are dropped; the chain head hash is cached so eviction never
// breaks linkage of the surviving suffix.
type Log struct {
	mu       sync.Mutex
	records  []Record
	capacity int
	nextSeq  uint64
	lastHash string
}

// New creates a log holding at most capacity records.
func New(capacity int) *Log {
	return &Log{capacity: capacity, lastHash: GenesisHash}
}

// Append chains and stores a record. Sequence, Timestamp and PrevHash are
// assigned here; callers fill the domain fields only.
func (l *Log) Append(timestamp int64, eventType string, rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Sequence = l.nextSeq
	rec.Timestamp = timestamp
	rec.EventType = eventType
	rec.PrevHash = l.lastHash

	h, err := canonical.Hash(rec)
	if err != nil {
		return Record{}, err
	}

	l.records = append(l.records, rec)
	if len(l.records) > l.capacity {
		l.records = l.records[len(l.records)-l.capacity:]
	}
	l.nextSeq++
	l.lastHash = h
	return rec, nil
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Page returns up to limit records starting at offset, newest last.
func (l *Log) Page(offset, limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.records) {
		return []Record{}
	}
	end := len(l.records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Record, end-offset)
	copy(out, l.records[offset:end])
	return out
}

// ByKey returns retained records whose IdempotencyKey matches.
func (l *Log) ByKey(key string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, r := range l.records {
		if r.IdempotencyKey == key {
			out = append(out, r)
		}
	}
	return out
}

// BySkillRef returns retained records whose SkillRef matches.
func (l *Log) BySkillRef(ref string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, r := range l.records {
		if r.SkillRef == ref {
			out = append(out, r)
		}
	}
	return out
}

// VerifyChain re-walks the retained records and reports whether every
// prev_hash matches the hash of its predecessor. The first retained
// record's prev_hash is trusted as the chain head after eviction.
func (l *Log) VerifyChain() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 1; i < len(l.records); i++ {
		h, err := canonical.Hash(l.records[i-1])
		if err != nil {
			return false, err
		}
		if l.records[i].PrevHash != h {
			return false, nil
		}
	}
	return true, nil
}
