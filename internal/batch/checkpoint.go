// Package batch orchestrates extraction over a directory of report PDFs with
// bounded concurrency and a file checkpoint, so an interrupted run resumes
// where it stopped instead of re-paying for completed extractions.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// BatchID derives the checkpoint key for one company-day run, e.g.
// "rapport_trelleborg-sjofart_2026-08-24".
func BatchID(slug string, day time.Time) string {
	return fmt.Sprintf("rapport_%s_%s", slug, day.Format("2006-01-02"))
}

// FailedFile records one failed PDF inside a checkpoint.
type FailedFile struct {
	Path      string    `json:"path"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is the durable state of one batch run. Only the orchestrator
// goroutine mutates it.
type Checkpoint struct {
	BatchID      string       `json:"batch_id"`
	Completed    []string     `json:"completed"`
	Failed       []FailedFile `json:"failed,omitempty"`
	LastFile     string       `json:"last_file,omitempty"`
	LastUpdate   time.Time    `json:"last_update"`
	TotalFiles   int          `json:"total_files"`
	BatchStarted time.Time    `json:"batch_started"`

	completed map[string]bool
}

func (c *Checkpoint) index() {
	c.completed = make(map[string]bool, len(c.Completed))
	for _, p := range c.Completed {
		c.completed[p] = true
	}
}

// IsCompleted reports whether the file already succeeded in this batch.
func (c *Checkpoint) IsCompleted(path string) bool {
	return c.completed[path]
}

// MarkCompleted records a successful file and clears any earlier failure for
// the same path, keeping the completed and failed sets disjoint.
func (c *Checkpoint) MarkCompleted(path string) {
	if c.completed[path] {
		return
	}
	c.Completed = append(c.Completed, path)
	c.completed[path] = true
	c.dropFailed(path)
	c.LastFile = path
	c.LastUpdate = time.Now().UTC()
}

// MarkFailed records a failed file. A repeated failure replaces the earlier
// entry; a later success for the same path clears the failure.
func (c *Checkpoint) MarkFailed(path string, err error) {
	c.dropFailed(path)
	c.Failed = append(c.Failed, FailedFile{
		Path:      path,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
	c.LastFile = path
	c.LastUpdate = time.Now().UTC()
}

func (c *Checkpoint) dropFailed(path string) {
	kept := c.Failed[:0]
	for _, f := range c.Failed {
		if f.Path != path {
			kept = append(kept, f)
		}
	}
	c.Failed = kept
}

// Resumable reports whether the batch still has files it has not visited.
func (c *Checkpoint) Resumable() bool {
	return len(c.Completed)+len(c.Failed) < c.TotalFiles
}

// CheckpointFile is the on-disk JSON document holding every batch's
// checkpoint, keyed by batch id.
type CheckpointFile struct {
	path    string
	batches map[string]*Checkpoint
}

// LoadCheckpoints reads the checkpoint document at path. A missing file is an
// empty document, not an error.
func LoadCheckpoints(path string) (*CheckpointFile, error) {
	f := &CheckpointFile{path: path, batches: map[string]*Checkpoint{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read checkpoint %s", path)
	}
	if err := json.Unmarshal(data, &f.batches); err != nil {
		return nil, eris.Wrapf(err, "batch: parse checkpoint %s", path)
	}
	for id, cp := range f.batches {
		cp.BatchID = id
		cp.index()
	}
	return f, nil
}

// Get returns the checkpoint for a batch id, or nil when none exists.
func (f *CheckpointFile) Get(batchID string) *Checkpoint {
	return f.batches[batchID]
}

// Start returns the existing checkpoint for the batch id, or creates a fresh
// one covering totalFiles.
func (f *CheckpointFile) Start(batchID string, totalFiles int) *Checkpoint {
	if cp, ok := f.batches[batchID]; ok {
		cp.TotalFiles = totalFiles
		return cp
	}
	cp := &Checkpoint{
		BatchID:      batchID,
		Completed:    []string{},
		TotalFiles:   totalFiles,
		BatchStarted: time.Now().UTC(),
	}
	cp.index()
	f.batches[batchID] = cp
	return cp
}

// BatchIDs returns every batch id in the document, sorted.
func (f *CheckpointFile) BatchIDs() []string {
	ids := make([]string, 0, len(f.batches))
	for id := range f.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save writes the document atomically: temp sibling, then rename. A crash
// mid-write leaves the previous checkpoint intact.
func (f *CheckpointFile) Save() error {
	data, err := json.MarshalIndent(f.batches, "", "  ")
	if err != nil {
		return eris.Wrap(err, "batch: marshal checkpoint")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "batch: create checkpoint dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "batch: create checkpoint temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "batch: write checkpoint temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "batch: close checkpoint temp")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return eris.Wrapf(err, "batch: rename checkpoint to %s", f.path)
	}
	return nil
}
