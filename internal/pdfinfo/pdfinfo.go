// Package pdfinfo fingerprints report PDFs and performs a cheap structural
// sanity check before any paid LLM call is made.
package pdfinfo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// FingerprintLen is the number of hex characters kept from the digest.
const FingerprintLen = 12

// Fingerprint returns the first 12 hex chars of the SHA-256 digest of the
// PDF bytes. It is the per-period idempotency key.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// Info holds the structural facts recorded in extraction metadata.
type Info struct {
	Pages int
	Bytes int
}

// Inspect verifies that data is a readable PDF and returns its page count.
// Scanned-only PDFs still pass here; text extraction is the LLM's job.
func Inspect(data []byte) (Info, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return Info{}, eris.New("pdfinfo: missing %PDF header")
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Info{}, eris.Wrap(err, "pdfinfo: open")
	}

	return Info{Pages: reader.NumPage(), Bytes: len(data)}, nil
}
