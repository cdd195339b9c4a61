package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nordsight/rapport-cli/internal/pdfinfo"
	"github.com/nordsight/rapport-cli/internal/store"
)

// SyncResult summarizes one file sync pass.
type SyncResult struct {
	ToPersisted []string // moved pending -> persisted
	ToPending   []string // moved persisted -> pending
}

// SyncFiles reconciles the on-disk layout with the store: a pending PDF whose
// hash the store holds moves to persistedDir, and a persisted PDF whose hash
// is gone from the store moves back to pendingDir.
func SyncFiles(ctx context.Context, st store.Store, companyID int64, pendingDir, persistedDir string) (*SyncResult, error) {
	hashes, err := st.PersistedHashes(ctx, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "report: persisted hashes")
	}

	res := &SyncResult{}

	pendingPDFs, err := listPDFs(pendingDir)
	if err != nil {
		return nil, err
	}
	for _, path := range pendingPDFs {
		hash, err := fingerprintFile(path)
		if err != nil {
			zap.L().Warn("report: skipping unreadable file", zap.String("file", path), zap.Error(err))
			continue
		}
		if !hashes[hash] {
			continue
		}
		if err := moveFile(path, persistedDir); err != nil {
			return nil, err
		}
		res.ToPersisted = append(res.ToPersisted, filepath.Base(path))
	}

	persistedPDFs, err := listPDFs(persistedDir)
	if err != nil {
		return nil, err
	}
	for _, path := range persistedPDFs {
		hash, err := fingerprintFile(path)
		if err != nil {
			zap.L().Warn("report: skipping unreadable file", zap.String("file", path), zap.Error(err))
			continue
		}
		if hashes[hash] {
			continue
		}
		if err := moveFile(path, pendingDir); err != nil {
			return nil, err
		}
		res.ToPending = append(res.ToPending, filepath.Base(path))
	}

	if len(res.ToPersisted) > 0 || len(res.ToPending) > 0 {
		zap.L().Info("report: file sync",
			zap.Strings("to_persisted", res.ToPersisted),
			zap.Strings("to_pending", res.ToPending),
		)
	}
	return res, nil
}

func listPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "report: read dir %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func fingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "report: read %s", path)
	}
	return pdfinfo.Fingerprint(data), nil
}

func moveFile(path, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return eris.Wrapf(err, "report: create %s", dstDir)
	}
	dst := filepath.Join(dstDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return eris.Wrapf(err, "report: move %s", filepath.Base(path))
	}
	return nil
}
