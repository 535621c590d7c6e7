// internal/processor/processor.go
package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"imagehub/internal/metrics"
	"imagehub/internal/models"
)

// RecordStore is the subset of the record store the pipeline writes through.
type RecordStore interface {
	PreInsert(ctx context.Context, originalName string) (int64, error)
	CommitTerminal(ctx context.Context, rec *models.ImageRecord) error
}

// Notifier receives a terminal-state event after the record is committed.
// A nil Notifier and notifier errors never affect the pipeline outcome.
type Notifier interface {
	Publish(ctx context.Context, imageID, status string) error
}

// Rendition is one thumbnail output: a proportional resize to Width pixels.
type Rendition struct {
	Size  string
	Width int
}

// Renditions are generated for every successfully ingested image, named
// {imageID}_{size}.jpg under the thumbnail directory. The transport serves
// them statically by this convention.
var Renditions = []Rendition{
	{Size: "small", Width: 128},
	{Size: "medium", Width: 256},
}

const thumbnailExt = ".jpg"

// ThumbnailFile returns the conventional file name of one rendition.
func ThumbnailFile(imageID, size string) string {
	return imageID + "_" + size + thumbnailExt
}

// All decode, encode and unsupported-format failures collapse into this one
// user-visible reason; subtypes are not surfaced.
const invalidFormatMsg = "invalid file format"

var supportedFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
}

type Processor struct {
	store        RecordStore
	notifier     Notifier
	thumbnailDir string
	log          zerolog.Logger
	now          func() time.Time
	wg           sync.WaitGroup
}

func New(store RecordStore, notifier Notifier, thumbnailDir string, logger zerolog.Logger) (*Processor, error) {
	const op = "processor.New"

	if err := os.MkdirAll(thumbnailDir, 0755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Processor{
		store:        store,
		notifier:     notifier,
		thumbnailDir: thumbnailDir,
		log:          logger,
		now:          time.Now,
	}, nil
}

// Ingest pre-registers the image and returns its derived id immediately.
// Validation, metadata extraction, rendition generation and the single
// terminal record update run in the background; only a pre-insert fault is
// reported to the caller.
func (p *Processor) Ingest(ctx context.Context, data []byte, size int64, originalName string) (string, error) {
	const op = "processor.Ingest"

	rowID, err := p.store.PreInsert(ctx, originalName)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	imageID := fmt.Sprintf("img%d", rowID)

	start := p.now()
	p.wg.Add(1)
	go p.run(rowID, imageID, data, size, start)

	return imageID, nil
}

// Wait blocks until all in-flight ingestions have committed their terminal
// state. Used by shutdown.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(rowID int64, imageID string, data []byte, size int64, start time.Time) {
	// Failure is the default; the success path overwrites it. The deferred
	// finish commits the record on every exit, panics included.
	rec := &models.ImageRecord{
		RowID:    rowID,
		ImageID:  imageID,
		Status:   models.StatusFailed,
		ErrorMsg: invalidFormatMsg,
	}
	defer p.finish(rec, start)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return
	}
	format = strings.ToLower(format)
	if !supportedFormats[format] {
		return
	}

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}
	if err := p.renderThumbnails(src, imageID); err != nil {
		return
	}

	elapsed := p.now().Sub(start)
	rec.Status = models.StatusSuccess
	rec.ErrorMsg = ""
	rec.Width = cfg.Width
	rec.Height = cfg.Height
	rec.Format = format
	rec.SizeBytes = size
	rec.Thumbnail = imageID
	rec.ProcessingTimeMs = float64(elapsed.Nanoseconds()) / 1e6
}

// renderThumbnails generates all renditions concurrently. Either every
// rendition lands on disk or none survives: partial outputs are removed
// before the failure is reported.
func (p *Processor) renderThumbnails(src image.Image, imageID string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(Renditions))

	for i, rend := range Renditions {
		wg.Add(1)
		go func(i int, rend Rendition) {
			defer wg.Done()
			resized := imaging.Resize(src, rend.Width, 0, imaging.Lanczos)
			path := filepath.Join(p.thumbnailDir, ThumbnailFile(imageID, rend.Size))
			errs[i] = imaging.Save(resized, path)
		}(i, rend)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			for _, rend := range Renditions {
				os.Remove(filepath.Join(p.thumbnailDir, ThumbnailFile(imageID, rend.Size)))
			}
			return err
		}
	}
	return nil
}

func (p *Processor) finish(rec *models.ImageRecord, start time.Time) {
	defer p.wg.Done()

	if r := recover(); r != nil {
		rec.Status = models.StatusFailed
		rec.ErrorMsg = invalidFormatMsg
		p.log.Warn().Str("image_id", rec.ImageID).Interface("panic", r).
			Msg("ingestion recovered from panic")
	}

	ctx := context.Background()
	if err := p.store.CommitTerminal(ctx, rec); err != nil {
		// No retry exists; the record stays stuck in processing.
		p.log.Error().Err(err).Str("image_id", rec.ImageID).
			Msg("terminal commit failed, record stuck in processing")
		return
	}

	metrics.ImagesProcessed.WithLabelValues(rec.Status).Inc()
	metrics.ProcessingDuration.Observe(p.now().Sub(start).Seconds())

	if rec.Status == models.StatusSuccess {
		p.log.Info().Str("image_id", rec.ImageID).
			Int("width", rec.Width).Int("height", rec.Height).
			Str("format", rec.Format).
			Float64("processing_time_ms", rec.ProcessingTimeMs).
			Msg("image processed")
	} else {
		p.log.Warn().Str("image_id", rec.ImageID).
			Str("error", rec.ErrorMsg).
			Msg("image processing failed")
	}

	if p.notifier != nil {
		if err := p.notifier.Publish(ctx, rec.ImageID, rec.Status); err != nil {
			p.log.Warn().Err(err).Str("image_id", rec.ImageID).
				Msg("failed to publish terminal-state event")
		}
	}
}
