package changedetect

import (
	"context"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	run *sanctions.IngestionRun
	err error
}

func (s stubLedger) LastSuccessful(context.Context, sanctions.Source) (*sanctions.IngestionRun, error) {
	return s.run, s.err
}

func TestFingerprintSensitiveToOneByte(t *testing.T) {
	a := []byte("<sdnList><sdnEntry><uid>1</uid></sdnEntry></sdnList>")
	b := append([]byte(nil), a...)
	b[len(b)-2] = 'X'

	assert.Len(t, Fingerprint(a), 64)
	assert.Equal(t, Fingerprint(a), Fingerprint(append([]byte(nil), a...)))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.True(t, Changed(Fingerprint(b), Fingerprint(a)))
}

func TestChanged(t *testing.T) {
	assert.True(t, Changed("abc", ""))
	assert.False(t, Changed("abc", "abc"))
	assert.True(t, Changed("abd", "abc"))
}

func TestDetectorCheck(t *testing.T) {
	raw := []byte("feed")
	ctx := context.Background()

	d, err := New(stubLedger{}).Check(ctx, sanctions.SourceUN, raw)
	require.NoError(t, err)
	assert.True(t, d.Changed, "no prior success means changed")

	d, err = New(stubLedger{run: &sanctions.IngestionRun{FeedFingerprint: Fingerprint(raw)}}).Check(ctx, sanctions.SourceUN, raw)
	require.NoError(t, err)
	assert.False(t, d.Changed)
	assert.Equal(t, d.Fingerprint, d.Previous)

	_, err = New(stubLedger{err: errors.New("db down")}).Check(ctx, sanctions.SourceUN, raw)
	assert.Error(t, err)
}
