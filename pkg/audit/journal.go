package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a single run-journal record. Entries are hash chained so a
// tampered or dropped record breaks verification of everything after it.
type Entry struct {
	Timestamp    string    `json:"timestamp"`
	Job          string    `json:"job"`
	AccountID    uuid.UUID `json:"account_id"`
	Action       string    `json:"action"`
	Detail       string    `json:"detail,omitempty"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

// Journal records what each sync run did, per account, in a tamper-evident
// chain. It is append-only and safe for concurrent use.
type Journal struct {
	mu           sync.Mutex
	previousHash string
	entries      []*Entry
}

// NewJournal creates an empty journal anchored on a zero hash.
func NewJournal() *Journal {
	return &Journal{
		previousHash: strings.Repeat("0", 64),
	}
}

// Append records one action and returns the chained entry.
func (j *Journal) Append(job string, accountID uuid.UUID, action, detail string) *Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Job:          job,
		AccountID:    accountID,
		Action:       action,
		Detail:       detail,
		PreviousHash: j.previousHash,
	}
	entry.Hash = entryHash(entry, j.previousHash)

	j.previousHash = entry.Hash
	j.entries = append(j.entries, entry)
	return entry
}

// Entries returns a snapshot of the journal in append order.
func (j *Journal) Entries() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

func entryHash(e *Entry, prevHash string) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		prevHash, e.Timestamp, e.Job, e.AccountID, e.Action, e.Detail)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries form an unbroken, untampered hash chain.
func VerifyChain(entries []*Entry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 && prevHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry, prevHash) != entry.Hash {
			return false
		}
	}
	return true
}
