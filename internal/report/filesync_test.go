package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordsight/rapport-cli/internal/model"
	"github.com/nordsight/rapport-cli/internal/pdfinfo"
)

func TestSyncFiles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	inStore := []byte("%PDF-1.4 in store")
	notInStore := []byte("%PDF-1.4 not in store")
	stale := []byte("%PDF-1.4 stale")

	meta := model.ExtractionMeta{Pass1Counts: model.Pass1Counts{Tables: 1}}
	_, err = st.SavePeriodAtomic(ctx, c.ID, payloadWith(1, 2024, 1, 0, 0, meta),
		pdfinfo.Fingerprint(inStore), "a-2024-q1-sv.pdf")
	require.NoError(t, err)

	root := t.TempDir()
	pending := filepath.Join(root, "pending")
	persisted := filepath.Join(root, "persisted")
	require.NoError(t, os.MkdirAll(pending, 0o755))
	require.NoError(t, os.MkdirAll(persisted, 0o755))

	// Extracted but still sitting in pending.
	require.NoError(t, os.WriteFile(filepath.Join(pending, "a-2024-q1-sv.pdf"), inStore, 0o644))
	// Never extracted; stays in pending.
	require.NoError(t, os.WriteFile(filepath.Join(pending, "b-2024-q2-sv.pdf"), notInStore, 0o644))
	// In persisted but its period was replaced; moves back.
	require.NoError(t, os.WriteFile(filepath.Join(persisted, "old-2023-q4-sv.pdf"), stale, 0o644))
	// Non-PDF files are left alone.
	require.NoError(t, os.WriteFile(filepath.Join(pending, "notes.txt"), []byte("x"), 0o644))

	res, err := SyncFiles(ctx, st, c.ID, pending, persisted)
	require.NoError(t, err)

	assert.Equal(t, []string{"a-2024-q1-sv.pdf"}, res.ToPersisted)
	assert.Equal(t, []string{"old-2023-q4-sv.pdf"}, res.ToPending)

	assert.FileExists(t, filepath.Join(persisted, "a-2024-q1-sv.pdf"))
	assert.FileExists(t, filepath.Join(pending, "b-2024-q2-sv.pdf"))
	assert.FileExists(t, filepath.Join(pending, "old-2023-q4-sv.pdf"))
	assert.FileExists(t, filepath.Join(pending, "notes.txt"))
	assert.NoFileExists(t, filepath.Join(pending, "a-2024-q1-sv.pdf"))
}

func TestSyncFilesMissingDirs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	root := t.TempDir()
	res, err := SyncFiles(ctx, st, c.ID, filepath.Join(root, "pending"), filepath.Join(root, "persisted"))
	require.NoError(t, err)
	assert.Empty(t, res.ToPersisted)
	assert.Empty(t, res.ToPending)
}

func TestSyncFilesIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.UpsertCompany(ctx, "Acme")
	require.NoError(t, err)

	data := []byte("%PDF-1.4 file")
	meta := model.ExtractionMeta{Pass1Counts: model.Pass1Counts{Tables: 1}}
	_, err = st.SavePeriodAtomic(ctx, c.ID, payloadWith(1, 2024, 1, 0, 0, meta),
		pdfinfo.Fingerprint(data), "a-2024-q1-sv.pdf")
	require.NoError(t, err)

	root := t.TempDir()
	pending := filepath.Join(root, "pending")
	persisted := filepath.Join(root, "persisted")
	require.NoError(t, os.MkdirAll(pending, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pending, "a-2024-q1-sv.pdf"), data, 0o644))

	_, err = SyncFiles(ctx, st, c.ID, pending, persisted)
	require.NoError(t, err)

	res, err := SyncFiles(ctx, st, c.ID, pending, persisted)
	require.NoError(t, err)
	assert.Empty(t, res.ToPersisted)
	assert.Empty(t, res.ToPending)
}
