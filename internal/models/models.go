package models

import (
	"time"
)

// Enums
type RecordStatus string

const (
	RecordStatusClaimed   RecordStatus = "claimed"
	RecordStatusSucceeded RecordStatus = "succeeded"
	RecordStatusFailed    RecordStatus = "failed"
)

// Queue messages

// JobMessage is the inbound payload consumed from the processing queue.
// Timestamps are kept as strings here; the timeline package owns parsing.
type JobMessage struct {
	RecordID         string        `json:"record_id"`
	MeetingStartTime string        `json:"meeting_start_time"`
	Participants     []Participant `json:"participants"`
}

type Participant struct {
	Name          string `json:"name"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	VideoFilePath string `json:"video_file_path"` // Relative to the upload temp dir unless absolute
}

// Result is published to the results queue once per successfully composed record.
type Result struct {
	RecordID     string  `json:"record_id"`
	Duration     float64 `json:"duration"`
	VideoURL     string  `json:"video_url"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"` // Empty when thumbnail extraction failed
}

// Models

// Record is the persisted history of a record id (postgres dedup backend only).
type Record struct {
	RecordID     string       `json:"record_id"`
	Status       RecordStatus `json:"status"`
	Duration     *float64     `json:"duration,omitempty"`
	VideoURL     *string      `json:"video_url,omitempty"`
	ThumbnailURL *string      `json:"thumbnail_url,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	ClaimedAt    time.Time    `json:"claimed_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
}

// DTOs for API responses

type UploadedFile struct {
	OriginalName string `json:"original_name"`
	SavedName    string `json:"saved_name"`
}

type UploadResponse struct {
	Files []UploadedFile `json:"files"`
}
