// Package scan wraps the content-security scanner sidecar. The contract is
// fail-closed: if a verdict cannot be obtained the document is treated as
// unscanned, never as clean.
package scan

import "context"

// Verdict is the scanner's decision for one object.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictInfected Verdict = "infected"
)

// Result is a completed scan.
type Result struct {
	Verdict Verdict
	// Threat names the detected signature when the verdict is infected.
	Threat string
}

// Scanner obtains a verdict for a stored object. Implementations return
// sentinel.ErrUnavailable when no verdict could be obtained.
type Scanner interface {
	Scan(ctx context.Context, storageKey string) (*Result, error)
}
