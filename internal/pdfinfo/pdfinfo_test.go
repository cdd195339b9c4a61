package pdfinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("quarterly report bytes"))
	assert.Len(t, fp, FingerprintLen)
	assert.Equal(t, strings.ToLower(fp), fp)

	// Deterministic for identical bytes, different for different bytes.
	assert.Equal(t, fp, Fingerprint([]byte("quarterly report bytes")))
	assert.NotEqual(t, fp, Fingerprint([]byte("other bytes")))
}

func TestInspectRejectsNonPDF(t *testing.T) {
	_, err := Inspect([]byte("<html>not a pdf</html>"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "%PDF header")
}

func TestInspectRejectsTruncatedPDF(t *testing.T) {
	// Header alone is not a readable document.
	_, err := Inspect([]byte("%PDF-1.7\n"))
	require.Error(t, err)
}
