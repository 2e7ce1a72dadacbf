// Package document wraps the automerge document that backs each session. All
// mutation goes through Apply which forks the document first, so a failed
// mutation never leaves a half-applied document behind.
package document

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// Mutation describes a single logical change to a document. It must either
// complete fully or return an error without any caller-visible effect; Apply
// guarantees the latter by running it against a fork.
type Mutation func(doc *automerge.Doc) error

// New returns a fresh document carrying the baseline session schema.
func New() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := Init(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Init writes the baseline schema into an empty document.
func Init(doc *automerge.Doc) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, key := range []string{"logs", "actions", "windows", "agents", "thoughts"} {
		if err := doc.Path(key).Set([]interface{}{}); err != nil {
			return fmt.Errorf("failed to init %s: %w", key, err)
		}
	}
	if err := doc.Path("session_state").Set(map[string]interface{}{
		"started_at":    now,
		"last_activity": now,
		"status":        "ready",
	}); err != nil {
		return fmt.Errorf("failed to init session_state: %w", err)
	}
	if err := doc.Path("token_usage").Set(map[string]interface{}{
		"input":  0,
		"output": 0,
		"cost":   0,
	}); err != nil {
		return fmt.Errorf("failed to init token_usage: %w", err)
	}
	if _, err := doc.Commit("init session document", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("failed to commit init: %w", err)
	}
	return nil
}

// Save serializes the document to its portable binary form.
func Save(doc *automerge.Doc) []byte {
	return doc.Save()
}

// Load deserializes a document previously produced by Save.
func Load(raw []byte) (*automerge.Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return doc, nil
}

// Apply runs the mutation against a fork of doc and returns the fork. On error
// the fork is discarded and doc is untouched, so callers can keep publishing
// their previous value.
func Apply(doc *automerge.Doc, m Mutation) (*automerge.Doc, error) {
	fork, err := doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork document: %w", err)
	}
	if err := m(fork); err != nil {
		return nil, err
	}
	return fork, nil
}

// Merge combines the histories of both documents into a new document without
// modifying either input. Merging is commutative, associative, and idempotent:
// replicas converge regardless of the order remote states arrive in.
func Merge(doc, other *automerge.Doc) (*automerge.Doc, error) {
	fork, err := doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork document: %w", err)
	}
	if _, err := fork.Merge(other); err != nil {
		return nil, fmt.Errorf("failed to merge documents: %w", err)
	}
	return fork, nil
}

// MergeBytes merges a serialized remote document into doc. Corrupt bytes fail
// the load and leave doc untouched.
func MergeBytes(doc *automerge.Doc, raw []byte) (*automerge.Doc, error) {
	other, err := Load(raw)
	if err != nil {
		return nil, err
	}
	return Merge(doc, other)
}
