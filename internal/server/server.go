package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"imagehub/internal/models"
	"imagehub/internal/processor"
	"imagehub/internal/storage"
)

// Ingester starts the asynchronous ingestion pipeline for one upload.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, size int64, originalName string) (string, error)
}

// Captioner produces a caption for raw image bytes.
type Captioner interface {
	Generate(ctx context.Context, data []byte) (string, error)
}

// RecordStore is the read/enrichment surface the transport needs.
type RecordStore interface {
	Get(ctx context.Context, imageID string) (*models.ImageRecord, error)
	List(ctx context.Context) ([]models.ImageRecord, error)
	Stats(ctx context.Context) (models.Stats, error)
	SetCaption(ctx context.Context, imageID, caption string) error
}

type Server struct {
	cfg       *models.Config
	router    *gin.Engine
	store     RecordStore
	pipeline  Ingester
	captioner Captioner
	log       zerolog.Logger
}

func NewServer(cfg *models.Config, store RecordStore, pipeline Ingester, captioner Captioner, logger zerolog.Logger) *Server {
	r := gin.New()

	s := &Server{cfg: cfg, router: r, store: store, pipeline: pipeline, captioner: captioner, log: logger}

	r.Use(s.requestID(), gin.Recovery())
	r.Static("/thumbnails", cfg.ThumbnailDir)

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Hello World!")
	})
	r.POST("/api/images", s.handleUpload)
	r.GET("/api/images", s.handleListImages)
	r.GET("/api/images/:id", s.handleGetImage)
	r.GET("/api/images/:id/thumbnails/:size", s.handleThumbnailPage)
	r.GET("/api/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

// requestID tags every request with a uuid and writes one access log line.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Writer.Header().Set("X-Request-ID", id)
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	imageID, err := s.pipeline.Ingest(c.Request.Context(), data, file.Size, file.Filename)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	// Caption enrichment is fire-and-forget and not ordered relative to
	// pipeline completion.
	go s.captionImage(imageID, data)

	c.Redirect(http.StatusFound, "/api/images/"+imageID)
}

func (s *Server) captionImage(imageID string, data []byte) {
	if s.captioner == nil {
		return
	}
	ctx := context.Background()
	text, err := s.captioner.Generate(ctx, data)
	if err != nil {
		s.log.Warn().Err(err).Str("image_id", imageID).Msg("caption generation failed")
		return
	}
	if err := s.store.SetCaption(ctx, imageID, text); err != nil {
		s.log.Warn().Err(err).Str("image_id", imageID).Msg("failed to store caption")
	}
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"

	imageID := c.Param("id")
	rec, err := s.store.Get(c.Request.Context(), imageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.String(http.StatusNotFound, "Image Data with ID %q not found.", imageID)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, imageResponse(rec))
}

func (s *Server) handleListImages(c *gin.Context) {
	const op = "server.handleListImages"

	records, err := s.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	response := make([]imageDetail, 0, len(records))
	for i := range records {
		response = append(response, imageResponse(&records[i]))
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleStats(c *gin.Context) {
	const op = "server.handleStats"

	st, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	successRate := "0%"
	var avg float64
	if st.Total > 0 {
		rate := (1 - float64(st.Failed)/float64(st.Total)) * 100
		successRate = strconv.FormatFloat(rate, 'f', -1, 64) + "%"
		avg = st.TotalProcessingTimeSeconds / float64(st.Total)
	}
	c.JSON(http.StatusOK, gin.H{
		"total":                           st.Total,
		"failed":                          st.Failed,
		"success_rate":                    successRate,
		"average_processing_time_seconds": avg,
	})
}

func (s *Server) handleThumbnailPage(c *gin.Context) {
	imageID := c.Param("id")
	size := c.Param("size")

	known := false
	for _, rend := range processor.Renditions {
		if rend.Size == size {
			known = true
			break
		}
	}
	if !known {
		c.String(http.StatusNotFound, "Thumbnail with ID %q not found.", imageID)
		return
	}

	rec, err := s.store.Get(c.Request.Context(), imageID)
	if err != nil {
		c.String(http.StatusNotFound, "Thumbnail with ID %q not found.", imageID)
		return
	}

	page := fmt.Sprintf(`<img src="/thumbnails/%s" style="display:block"/><p>%s</p>`,
		processor.ThumbnailFile(rec.ImageID, size), html.EscapeString(rec.Caption))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// imageDetail mirrors the public JSON shape: metadata and thumbnails stay
// empty and processing_time stays null unless the record succeeded.
type imageDetail struct {
	Status string    `json:"status"`
	Data   imageData `json:"data"`
	Error  *string   `json:"error"`
}

type imageData struct {
	ImageID        string            `json:"image_id"`
	OriginalName   string            `json:"original_name"`
	ProcessedAt    time.Time         `json:"processed_at"`
	ProcessingTime *float64          `json:"processing_time"`
	Metadata       map[string]any    `json:"metadata"`
	Thumbnails     map[string]string `json:"thumbnails"`
	Caption        string            `json:"caption,omitempty"`
}

func imageResponse(rec *models.ImageRecord) imageDetail {
	resp := imageDetail{
		Status: rec.Status,
		Data: imageData{
			ImageID:      rec.ImageID,
			OriginalName: rec.OriginalName,
			ProcessedAt:  rec.ProcessedAt,
			Metadata:     map[string]any{},
			Thumbnails:   map[string]string{},
		},
	}

	if rec.ErrorMsg != "" {
		msg := rec.ErrorMsg
		resp.Error = &msg
		return resp
	}

	if rec.Status == models.StatusSuccess {
		pt := rec.ProcessingTimeMs
		resp.Data.ProcessingTime = &pt
		resp.Data.Metadata = map[string]any{
			"width":      rec.Width,
			"height":     rec.Height,
			"format":     rec.Format,
			"size_bytes": rec.SizeBytes,
		}
		for _, rend := range processor.Renditions {
			resp.Data.Thumbnails[rend.Size] = "/api/images/" + rec.Thumbnail + "/thumbnails/" + rend.Size
		}
		resp.Data.Caption = rec.Caption
	}
	return resp
}
