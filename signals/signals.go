// Package signals turns a watched directory of JSON files into an ordered
// queue of trading signals. The producer drops one file per signal; the
// trader reads them oldest first, writes outcome annotations back into the
// file, and moves terminal signals into an archive directory.
package signals

import (
	"time"

	"github.com/sigflow/sigflow/sigflow"
)

// Handle identifies one pending signal record in a Source.
type Handle struct {
	Name    string
	ModTime time.Time
}

// Source is the queue contract the processor works against. FileStore is the
// production implementation; tests substitute an in-memory fake.
type Source interface {
	// ListPending returns all unarchived signals, oldest first.
	ListPending() ([]Handle, error)
	// Load parses the signal behind a handle.
	Load(h Handle) (sigflow.Signal, error)
	// MarkOutcome rewrites the signal record in place with its annotations.
	MarkOutcome(h Handle, sig sigflow.Signal) error
	// Archive moves the signal to the terminal store. Archiving the same
	// handle twice is a no-op.
	Archive(h Handle) error
}
