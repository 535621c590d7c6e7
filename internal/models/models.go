// internal/models/models.go
package models

import "time"

// Record status values. A record starts as processing and moves exactly
// once to success or failed.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// ImageRecord is one row of the processed_images table. Width, Height,
// Format, SizeBytes, Thumbnail and ProcessingTimeMs are populated only on
// success; ErrorMsg only on failure. Caption is set independently by the
// captioning path and never changes the status.
type ImageRecord struct {
	RowID            int64     `db:"row_id"`
	ImageID          string    `db:"image_id"`
	Status           string    `db:"status"`
	OriginalName     string    `db:"original_name"`
	ProcessedAt      time.Time `db:"processed_at"`
	ProcessingTimeMs float64   `db:"processing_time"`
	Width            int       `db:"width"`
	Height           int       `db:"height"`
	Format           string    `db:"format"`
	SizeBytes        int64     `db:"size_bytes"`
	Thumbnail        string    `db:"thumbnail"`
	Caption          string    `db:"caption"`
	ErrorMsg         string    `db:"error_msg"`
}

// Stats aggregates terminal records. Total counts non-processing rows only.
type Stats struct {
	Total                      int64
	Failed                     int64
	TotalProcessingTimeSeconds float64
}
