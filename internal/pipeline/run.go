package pipeline

import (
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
)

// Stage is the position of a run in the alert state machine
type Stage string

const (
	StageTriggered Stage = "triggered"
	StagePersisted Stage = "persisted"
	StageUploaded  Stage = "uploaded"
	StageAnalyzed  Stage = "analyzed"
	StageNotified  Stage = "notified"
	StageFailed    Stage = "failed"
)

// Terminal reports whether no further transition can happen
func (s Stage) Terminal() bool {
	return s == StageNotified || s == StageFailed
}

// FailureReason says why a run ended in StageFailed
type FailureReason string

const (
	ReasonNone     FailureReason = ""
	ReasonPersist  FailureReason = "persist_failure"
	ReasonUpload   FailureReason = "upload_failure"
	ReasonAnalysis FailureReason = "analysis_failure"
)

// Run is the record of one alert cycle. Each run is private to its goroutine
// until it finishes; callers only ever see copies.
type Run struct {
	ID         string                   `json:"id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at,omitempty"`
	Stage      Stage                    `json:"stage"`
	Reason     FailureReason            `json:"reason,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ImageID    int64                    `json:"image_id,omitempty"`
	Filename   string                   `json:"filename,omitempty"`
	URL        string                   `json:"url,omitempty"`
	Regions    int                      `json:"regions"`
	Alerts     []analysis.SecurityAlert `json:"alerts,omitempty"`
	Notified   bool                     `json:"notified"`
}

func (r *Run) fail(reason FailureReason, err error) {
	r.Stage = StageFailed
	r.Reason = reason
	if err != nil {
		r.Error = err.Error()
	}
}

func (r Run) clone() Run {
	if r.Alerts != nil {
		r.Alerts = append([]analysis.SecurityAlert(nil), r.Alerts...)
	}
	return r
}

// SnapshotFilename names the persisted snapshot for a capture time
func SnapshotFilename(ts time.Time) string {
	return "motion_" + ts.Format("20060102_150405") + ".jpg"
}
