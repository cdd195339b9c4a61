package model

// ProgressStage enumerates the observable stages of a single-PDF extraction.
type ProgressStage string

const (
	StageCached     ProgressStage = "cached"
	StageExtracting ProgressStage = "extracting"
	StagePass1      ProgressStage = "pass_1"
	StagePass23     ProgressStage = "pass_2_3"
	StageValidating ProgressStage = "validating"
	StageDone       ProgressStage = "done"
	StageFailed     ProgressStage = "failed"
)

// ProgressEvent is emitted by the pipeline as a PDF moves through stages.
type ProgressEvent struct {
	File    string        `json:"file"`
	Stage   ProgressStage `json:"stage"`
	Message string        `json:"message,omitempty"` // set for StageFailed
	Attempt int           `json:"attempt,omitempty"`
}

// Code renders the event in the documented wire form, e.g. "pass_2_3" or
// "failed:deadline exceeded".
func (e ProgressEvent) Code() string {
	if e.Stage == StageFailed && e.Message != "" {
		return string(StageFailed) + ":" + e.Message
	}
	return string(e.Stage)
}

// ProgressFunc receives pipeline progress events. Callbacks must be fast;
// they are invoked inline from worker goroutines.
type ProgressFunc func(ProgressEvent)
