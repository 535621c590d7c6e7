// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"imagehub/internal/models"
)

// ErrNotFound is returned by Get when no record matches the image id.
var ErrNotFound = errors.New("image not found")

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// PreInsert creates a placeholder row in the processing state and returns
// the assigned row id. The image id is not known yet at this point.
func (s *Storage) PreInsert(ctx context.Context, originalName string) (int64, error) {
	const op = "storage.PreInsert"

	var rowID int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO processed_images (original_name, processed_at)
		 VALUES ($1, now())
		 RETURNING row_id`,
		originalName).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return rowID, nil
}

// CommitTerminal overwrites the mutable fields of the row in one statement.
// The pipeline calls this exactly once per row; a second call is a caller
// bug and is not detected here.
func (s *Storage) CommitTerminal(ctx context.Context, rec *models.ImageRecord) error {
	const op = "storage.CommitTerminal"

	_, err := s.pool.Exec(ctx,
		`UPDATE processed_images
		 SET image_id = $2, status = $3, processing_time = $4, width = $5,
		     height = $6, format = $7, size_bytes = $8, thumbnail = $9, error_msg = $10
		 WHERE row_id = $1`,
		rec.RowID, rec.ImageID, rec.Status, rec.ProcessingTimeMs, rec.Width,
		rec.Height, rec.Format, rec.SizeBytes, rec.Thumbnail, rec.ErrorMsg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetCaption updates only the caption field. An unknown image id matches
// zero rows and is a silent no-op.
func (s *Storage) SetCaption(ctx context.Context, imageID, caption string) error {
	const op = "storage.SetCaption"

	_, err := s.pool.Exec(ctx,
		`UPDATE processed_images SET caption = $2 WHERE image_id = $1`,
		imageID, caption)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

const recordColumns = `row_id, COALESCE(image_id, ''), status, COALESCE(original_name, ''),
	processed_at, COALESCE(processing_time, 0), COALESCE(width, 0), COALESCE(height, 0),
	COALESCE(format, ''), COALESCE(size_bytes, 0), COALESCE(thumbnail, ''),
	COALESCE(caption, ''), COALESCE(error_msg, '')`

func scanRecord(row pgx.Row, rec *models.ImageRecord) error {
	return row.Scan(&rec.RowID, &rec.ImageID, &rec.Status, &rec.OriginalName,
		&rec.ProcessedAt, &rec.ProcessingTimeMs, &rec.Width, &rec.Height,
		&rec.Format, &rec.SizeBytes, &rec.Thumbnail, &rec.Caption, &rec.ErrorMsg)
}

func (s *Storage) Get(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	const op = "storage.Get"

	var rec models.ImageRecord
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM processed_images WHERE image_id = $1`, imageID)
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rec, nil
}

// List returns every record in insertion order.
func (s *Storage) List(ctx context.Context) ([]models.ImageRecord, error) {
	const op = "storage.List"

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM processed_images ORDER BY row_id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var records []models.ImageRecord
	for rows.Next() {
		var rec models.ImageRecord
		if err := scanRecord(rows, &rec); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// Stats counts terminal records and sums processing time. Rows still in
// processing are excluded from the totals; failed rows carry no processing
// time and contribute zero to the sum.
func (s *Storage) Stats(ctx context.Context) (models.Stats, error) {
	const op = "storage.Stats"

	var st models.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status <> 'processing'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        COALESCE(SUM(processing_time), 0) / 1000
		 FROM processed_images`).Scan(&st.Total, &st.Failed, &st.TotalProcessingTimeSeconds)
	if err != nil {
		return models.Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}
