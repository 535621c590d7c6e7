package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"imagehub/internal/models"
	"imagehub/internal/storage"
)

type stubStore struct {
	mu       sync.Mutex
	records  map[string]*models.ImageRecord
	order    []string
	stats    models.Stats
	captions map[string]string
}

func newStubStore() *stubStore {
	return &stubStore{
		records:  make(map[string]*models.ImageRecord),
		captions: make(map[string]string),
	}
}

func (s *stubStore) add(rec models.ImageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ImageID] = &rec
	s.order = append(s.order, rec.ImageID)
}

func (s *stubStore) Get(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[imageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *stubStore) List(ctx context.Context) ([]models.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ImageRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out, nil
}

func (s *stubStore) Stats(ctx context.Context) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

func (s *stubStore) SetCaption(ctx context.Context, imageID, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions[imageID] = caption
	return nil
}

func (s *stubStore) caption(imageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captions[imageID]
}

type stubIngester struct {
	mu      sync.Mutex
	id      string
	err     error
	gotName string
	gotData []byte
	gotSize int64
}

func (s *stubIngester) Ingest(ctx context.Context, data []byte, size int64, originalName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.gotName = originalName
	s.gotData = append([]byte(nil), data...)
	s.gotSize = size
	return s.id, nil
}

type stubCaptioner struct {
	text string
	err  error
}

func (s *stubCaptioner) Generate(ctx context.Context, data []byte) (string, error) {
	return s.text, s.err
}

func newTestServer(t *testing.T, store RecordStore, ingester Ingester, captioner Captioner) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &models.Config{ServerAddr: ":0", ThumbnailDir: t.TempDir()}
	return NewServer(cfg, store, ingester, captioner, zerolog.Nop())
}

func uploadRequest(t *testing.T, payload []byte, filename string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleUpload(t *testing.T) {
	store := newStubStore()
	ingester := &stubIngester{id: "img1"}
	srv := newTestServer(t, store, ingester, &stubCaptioner{text: "a cat on a mat"})

	payload := []byte("fake image bytes")
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, uploadRequest(t, payload, "cat.jpg"))

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d; body=%s", rr.Code, http.StatusFound, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/images/img1" {
		t.Fatalf("location = %q", loc)
	}
	if ingester.gotName != "cat.jpg" || !bytes.Equal(ingester.gotData, payload) {
		t.Fatalf("ingester got name=%q data=%q", ingester.gotName, ingester.gotData)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	// The caption path is fire-and-forget; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for store.caption("img1") == "" {
		if time.Now().After(deadline) {
			t.Fatal("caption was never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.caption("img1"); got != "a cat on a mat" {
		t.Fatalf("caption = %q", got)
	}
}

func TestHandleUploadErrors(t *testing.T) {
	t.Run("missing file field", func(t *testing.T) {
		srv := newTestServer(t, newStubStore(), &stubIngester{id: "img1"}, nil)
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/images", nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("pre-insert fault", func(t *testing.T) {
		srv := newTestServer(t, newStubStore(), &stubIngester{err: errors.New("db down")}, nil)
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, uploadRequest(t, []byte("x"), "a.png"))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rr.Code)
		}
	})
}

func successRecord() models.ImageRecord {
	return models.ImageRecord{
		RowID:            1,
		ImageID:          "img1",
		Status:           models.StatusSuccess,
		OriginalName:     "holiday.jpg",
		ProcessedAt:      time.Now(),
		ProcessingTimeMs: 42.5,
		Width:            800,
		Height:           600,
		Format:           "jpeg",
		SizeBytes:        50000,
		Thumbnail:        "img1",
		Caption:          "a beach",
	}
}

func TestHandleGetImage(t *testing.T) {
	store := newStubStore()
	store.add(successRecord())
	store.add(models.ImageRecord{RowID: 2, ImageID: "img2", Status: models.StatusFailed, ErrorMsg: "invalid file format"})
	store.add(models.ImageRecord{RowID: 3, ImageID: "img3", Status: models.StatusProcessing})
	srv := newTestServer(t, store, &stubIngester{}, nil)

	t.Run("success record", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img1", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var resp imageDetail
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != models.StatusSuccess || resp.Error != nil {
			t.Fatalf("status=%q error=%v", resp.Status, resp.Error)
		}
		if resp.Data.ImageID != "img1" || resp.Data.OriginalName != "holiday.jpg" {
			t.Fatalf("data = %+v", resp.Data)
		}
		if resp.Data.ProcessingTime == nil || *resp.Data.ProcessingTime != 42.5 {
			t.Fatalf("processing_time = %v", resp.Data.ProcessingTime)
		}
		if w, ok := resp.Data.Metadata["width"].(float64); !ok || w != 800 {
			t.Fatalf("metadata = %v", resp.Data.Metadata)
		}
		if got := resp.Data.Thumbnails["small"]; got != "/api/images/img1/thumbnails/small" {
			t.Fatalf("small thumbnail url = %q", got)
		}
		if resp.Data.Caption != "a beach" {
			t.Fatalf("caption = %q", resp.Data.Caption)
		}
	})

	t.Run("failed record", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img2", nil))
		var resp imageDetail
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error == nil || *resp.Error != "invalid file format" {
			t.Fatalf("error = %v", resp.Error)
		}
		if len(resp.Data.Metadata) != 0 || resp.Data.ProcessingTime != nil {
			t.Fatalf("failed record leaked metadata: %+v", resp.Data)
		}
	})

	t.Run("processing record", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img3", nil))
		var resp imageDetail
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != models.StatusProcessing || resp.Error != nil {
			t.Fatalf("status=%q error=%v", resp.Status, resp.Error)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img99", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rr.Code)
		}
	})
}

func TestHandleListImages(t *testing.T) {
	store := newStubStore()
	store.add(successRecord())
	store.add(models.ImageRecord{RowID: 2, ImageID: "img2", Status: models.StatusFailed, ErrorMsg: "invalid file format"})
	srv := newTestServer(t, store, &stubIngester{}, nil)

	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp []imageDetail
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("len = %d, want 2", len(resp))
	}
	if resp[0].Data.ImageID != "img1" || resp[1].Data.ImageID != "img2" {
		t.Fatalf("order = %q, %q", resp[0].Data.ImageID, resp[1].Data.ImageID)
	}
}

func TestHandleStats(t *testing.T) {
	testCases := []struct {
		name     string
		stats    models.Stats
		wantRate string
		wantAvg  float64
	}{
		{
			name:     "three successes one failure",
			stats:    models.Stats{Total: 4, Failed: 1, TotalProcessingTimeSeconds: 3.2},
			wantRate: "75%",
			wantAvg:  0.8,
		},
		{
			name:     "empty store",
			stats:    models.Stats{},
			wantRate: "0%",
			wantAvg:  0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStubStore()
			store.stats = tc.stats
			srv := newTestServer(t, store, &stubIngester{}, nil)

			rr := httptest.NewRecorder()
			srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			var resp struct {
				Total       int64   `json:"total"`
				Failed      int64   `json:"failed"`
				SuccessRate string  `json:"success_rate"`
				AverageTime float64 `json:"average_processing_time_seconds"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Total != tc.stats.Total || resp.Failed != tc.stats.Failed {
				t.Fatalf("totals = %d/%d", resp.Total, resp.Failed)
			}
			if resp.SuccessRate != tc.wantRate {
				t.Fatalf("success_rate = %q, want %q", resp.SuccessRate, tc.wantRate)
			}
			if resp.AverageTime != tc.wantAvg {
				t.Fatalf("average = %f, want %f", resp.AverageTime, tc.wantAvg)
			}
		})
	}
}

func TestHandleThumbnailPage(t *testing.T) {
	store := newStubStore()
	rec := successRecord()
	rec.Caption = "a cat"
	store.add(rec)
	srv := newTestServer(t, store, &stubIngester{}, nil)

	t.Run("known rendition", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img1/thumbnails/small", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		body := rr.Body.String()
		if !strings.Contains(body, "/thumbnails/img1_small.jpg") {
			t.Fatalf("body missing thumbnail path: %s", body)
		}
		if !strings.Contains(body, "a cat") {
			t.Fatalf("body missing caption: %s", body)
		}
	})

	t.Run("unknown rendition size", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img1/thumbnails/large", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/images/img42/thumbnails/small", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rr.Code)
		}
	})
}
