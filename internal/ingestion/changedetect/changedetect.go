// Package changedetect decides whether a downloaded feed differs from the one
// last ingested successfully.
package changedetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
)

// Fingerprint returns the hex SHA-256 of raw.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Changed reports whether current must be processed given the fingerprint of
// the last successful run. An empty previous means no prior success.
func Changed(current, previous string) bool {
	return previous == "" || current != previous
}

// LastSuccess is the read side of the run ledger the detector needs.
type LastSuccess interface {
	LastSuccessful(ctx context.Context, source sanctions.Source) (*sanctions.IngestionRun, error)
}

// Decision is the outcome of comparing a feed with the ledger.
type Decision struct {
	Fingerprint string
	Previous    string
	Changed     bool
}

type Detector struct {
	ledger LastSuccess
}

func New(ledger LastSuccess) *Detector {
	return &Detector{ledger: ledger}
}

// Check fingerprints raw and compares it with the most recent SUCCESS run.
// Runs that ended FAILED or NO_CHANGE are never consulted.
func (d *Detector) Check(ctx context.Context, source sanctions.Source, raw []byte) (Decision, error) {
	dec := Decision{Fingerprint: Fingerprint(raw)}
	last, err := d.ledger.LastSuccessful(ctx, source)
	if err != nil {
		return dec, fmt.Errorf("loading last successful run for %s: %w", source, err)
	}
	if last != nil {
		dec.Previous = last.FeedFingerprint
	}
	dec.Changed = Changed(dec.Fingerprint, dec.Previous)
	return dec, nil
}
