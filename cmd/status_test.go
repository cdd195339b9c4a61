package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordsight/rapport-cli/internal/batch"
)

func TestFormatBatches(t *testing.T) {
	cpFile, err := batch.LoadCheckpoints(filepath.Join(t.TempDir(), "cp.json"))
	require.NoError(t, err)

	cp := cpFile.Start("rapport_acme_2026-08-24", 3)
	cp.MarkCompleted("a.pdf")
	cp.MarkFailed("b.pdf", eris.New("boom"))
	cpFile.Start("rapport_other_2026-08-24", 1)

	var buf bytes.Buffer
	formatBatches(&buf, cpFile, cpFile.BatchIDs())
	out := buf.String()

	assert.Contains(t, out, "BATCH")
	assert.Contains(t, out, "rapport_acme_2026-08-24")
	assert.Contains(t, out, "rapport_other_2026-08-24")
	assert.Contains(t, out, "yes")

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 4, lines) // header, separator, two batches
}
