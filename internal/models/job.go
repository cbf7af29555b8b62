package models

import (
	"time"
)

// MediaKind selects which worker pool processes a job. It is resolved once
// at ingestion and carried through typed data from then on.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Job states persisted in the job store.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Item states. An item transitions pending -> completed or failed exactly once.
const (
	ItemPending   = "pending"
	ItemCompleted = "completed"
	ItemFailed    = "failed"
)

// Logo positions accepted at submission.
const (
	PositionTopLeft     = "top-left"
	PositionTopRight    = "top-right"
	PositionBottomLeft  = "bottom-left"
	PositionBottomRight = "bottom-right"
	PositionCenter      = "center"
)

// ProcessOptions is the logo overlay recipe, frozen at submission.
type ProcessOptions struct {
	LogoPosition       string  `json:"logoPosition"`
	LogoSizePercent    int     `json:"logoSizePercent"`
	LogoOpacityPercent int     `json:"logoOpacityPercent"`
	PaddingXPercent    float64 `json:"paddingXPercent"`
	PaddingYPercent    float64 `json:"paddingYPercent"`
}

// MediaItem is one file inside a job. SourcePath is transient and cleared
// once the worker has consumed the file.
type MediaItem struct {
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	SourcePath   string `json:"sourcePath,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Hash         string `json:"hash,omitempty"`
	FileID       string `json:"fileId,omitempty"`
	Status       string `json:"status"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	FullURL      string `json:"fullUrl,omitempty"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Job is one kind-specific unit of queued work. Jobs sharing a BatchID
// belong to the same submission; at most one job per kind exists per batch.
type Job struct {
	ID                 string         `json:"id"`
	BatchID            string         `json:"batchId"`
	Kind               MediaKind      `json:"kind"`
	Items              []MediaItem    `json:"items"`
	Options            ProcessOptions `json:"options"`
	LogoPath           string         `json:"logoPath"`
	CustomLogo         bool           `json:"customLogo"`
	GenerateThumbnails bool           `json:"generateThumbnails"`
	Source             string         `json:"source"`
	State              string         `json:"state"`
	ProgressPercent    int            `json:"progressPercent"`
	CompletedCount     int            `json:"completedCount"`
	CancelRequested    bool           `json:"cancelRequested,omitempty"`
	FailureReason      string         `json:"failureReason,omitempty"`
	WorkerID           string         `json:"workerId,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	FinishedAt         *time.Time     `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}
