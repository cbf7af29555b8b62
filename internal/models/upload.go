package models

import "time"

// Upload session phases.
const (
	PhaseUploading  = "uploading"
	PhaseProcessing = "processing"
	PhaseCompleted  = "completed"
)

// UploadSession tracks one client upload's byte progress, independent of
// job state. Expires on its own TTL in the session store.
type UploadSession struct {
	UploadID          string    `json:"uploadId"`
	BytesReceived     int64     `json:"received"`
	BytesTotal        int64     `json:"total"`
	Percent           int       `json:"progress"`
	Phase             string    `json:"phase"`
	ProcessingPercent int       `json:"processingProgress"`
	ProcessingTotal   int       `json:"processingTotal,omitempty"`
	LinkedBatchID     string    `json:"jobId,omitempty"`
	UpdatedAt         time.Time `json:"timestamp"`
}

// ChunkInfo is the stored record for one received chunk of an oversized
// upload. Entries are TTL bound so abandoned uploads cannot pin disk.
type ChunkInfo struct {
	Index      int       `json:"index"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash"`
	Path       string    `json:"path"`
	ReceivedAt time.Time `json:"received"`
}

// FileRecord keys one downloadable output by an opaque TTL'd id.
type FileRecord struct {
	FileID           string    `json:"fileId"`
	FileName         string    `json:"fileName"`
	OriginalFileName string    `json:"originalFileName,omitempty"`
	FilePath         string    `json:"filePath"`
	MimeType         string    `json:"mimeType"`
	Size             int64     `json:"size,omitempty"`
	Hash             string    `json:"hash,omitempty"`
	IsVideo          bool      `json:"isVideo"`
	JobID            string    `json:"jobId,omitempty"`
	UploadedAt       time.Time `json:"uploadedAt"`
}
