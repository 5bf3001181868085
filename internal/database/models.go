package database

import (
	"time"
)

// VideoState is the processing state derived from a record's fields
type VideoState string

const (
	VideoStatePending    VideoState = "pending"
	VideoStateInProgress VideoState = "in_progress"
	VideoStateTranscoded VideoState = "transcoded"
	VideoStateFailed     VideoState = "failed"
)

// VideoRecord is one catalog row per distinct (content hash, source path)
type VideoRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ContentHash     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_videos_hash_path,priority:1" json:"content_hash"`
	SourcePath      string    `gorm:"type:varchar(1024);not null;uniqueIndex:idx_videos_hash_path,priority:2;index:idx_videos_source_path" json:"source_path"`
	DisplayName     string    `gorm:"type:varchar(512)" json:"display_name"`
	SourceCreatedAt time.Time `json:"source_created_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	FrameCount      *int64    `json:"frame_count,omitempty"`
	FrameRate       *float64  `json:"frame_rate,omitempty"`
	IndexedAt       time.Time `gorm:"not null;index" json:"indexed_at"`

	// Encode settings, recorded when the job starts
	Codec   string `gorm:"type:varchar(64)" json:"codec,omitempty"`
	Preset  string `gorm:"type:varchar(64)" json:"preset,omitempty"`
	CRF     *int   `gorm:"column:crf" json:"crf,omitempty"`
	Bitrate string `gorm:"type:varchar(32)" json:"bitrate,omitempty"`

	IsTranscoding  bool       `gorm:"not null;index" json:"is_transcoding"`
	TranscodedAt   *time.Time `json:"transcoded_at,omitempty"`
	TranscodedPath *string    `gorm:"type:varchar(1024)" json:"transcoded_path,omitempty"`
	FailureReason  *string    `gorm:"type:text" json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM
func (VideoRecord) TableName() string {
	return "videos"
}

// State derives the processing state. An in-progress flag wins over
// everything else so a crashed job is always found by recovery.
func (v *VideoRecord) State() VideoState {
	switch {
	case v.IsTranscoding:
		return VideoStateInProgress
	case v.TranscodedPath != nil:
		return VideoStateTranscoded
	case v.FailureReason != nil:
		return VideoStateFailed
	default:
		return VideoStatePending
	}
}

// Key identifies the record in logs and errors
func (v *VideoRecord) Key() string {
	return RecordKey(v.ContentHash, v.SourcePath)
}

// RecordKey formats a (hash, path) pair
func RecordKey(hash, path string) string {
	return hash + ":" + path
}

// AllModels lists every table the catalog owns
func AllModels() []interface{} {
	return []interface{}{&VideoRecord{}}
}
