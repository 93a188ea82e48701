package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/image-tagger/internal/labels"
	"github.com/Brownie44l1/image-tagger/internal/metrics"
	"github.com/Brownie44l1/image-tagger/internal/model"
	"github.com/Brownie44l1/image-tagger/internal/preprocess"
	"github.com/Brownie44l1/image-tagger/internal/tags"
)

// Form fields checked for the upload, in order.
var fileFields = []string{"file", "image"}

const maxMemory = 10 << 20

// Inferer runs one forward pass. Implementations must be safe for
// concurrent use; requests are not serialized here.
type Inferer interface {
	Infer(ctx context.Context, t *model.Tensor) ([]float32, error)
}

type Catalog interface {
	tags.Resolver
	Len() int
}

type Options struct {
	TopK           int
	MaxUploadBytes int64
	// ModelName is reported by /health.
	ModelName string
}

type Handler struct {
	engine  Inferer
	catalog Catalog
	metrics *metrics.Metrics
	opts    Options
}

func NewHandler(engine Inferer, catalog Catalog, m *metrics.Metrics, opts Options) *Handler {
	if opts.TopK < 1 {
		opts.TopK = tags.DefaultK
	}
	return &Handler{
		engine:  engine,
		catalog: catalog,
		metrics: m,
		opts:    opts,
	}
}

// Routes returns the service mux with every route instrumented.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", h.instrument("/health", http.HandlerFunc(h.Health)))
	mux.Handle("/analyze", h.instrument("/analyze", http.HandlerFunc(h.Analyze)))
	mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	return withRequestID(enableCORS(mux))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"model":   h.opts.ModelName,
		"classes": h.catalog.Len(),
	})
}

// Analyze classifies one uploaded image and returns its score vector and
// suggested tags.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	logger := entry(r)

	k := h.opts.TopK
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail("too_large")
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.fail("bad_form")
		writeError(w, http.StatusBadRequest, "Failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := formFile(r)
	if err != nil {
		h.fail("missing_file")
		writeError(w, http.StatusBadRequest, "No file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail("bad_form")
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	logger = logger.WithField("filename", header.Filename)
	logger.WithField("size", len(data)).Debug("[Analyze] Received file")

	if len(data) == 0 {
		h.fail("empty")
		writeError(w, http.StatusBadRequest, "Uploaded file is empty")
		return
	}

	tensor, err := preprocess.Preprocess(data)
	if err != nil {
		h.fail("decode")
		logger.WithError(err).Warn("[Analyze] Couldn't decode image")
		writeError(w, http.StatusBadRequest, "Invalid image. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP")
		return
	}

	start := time.Now()
	vector, err := h.engine.Infer(r.Context(), tensor)
	elapsed := time.Since(start)
	h.metrics.InferenceDuration.Observe(elapsed.Seconds())
	if err != nil {
		if errors.Is(err, model.ErrShapeMismatch) {
			h.fail("shape_mismatch")
		} else {
			h.fail("inference")
		}
		logger.WithError(err).Error("[Analyze] Inference failed")
		writeError(w, http.StatusInternalServerError, "Inference failed")
		return
	}

	suggested, err := tags.TopTags(vector, k, h.catalog)
	if err != nil {
		h.fail("lookup")
		if errors.Is(err, labels.ErrLookup) {
			logger.WithError(err).Error("[Analyze] Label catalog does not match model output")
		} else {
			logger.WithError(err).Error("[Analyze] Couldn't resolve tags")
		}
		writeError(w, http.StatusInternalServerError, "Failed to resolve tags")
		return
	}

	logger.WithFields(log.Fields{
		"tags":       suggested,
		"inference":  elapsed.String(),
		"vector_len": len(vector),
	}).Info("[Analyze] Image analyzed")

	writeJSON(w, http.StatusOK, model.AnalyzeResponse{
		Filename:      header.Filename,
		Vector:        vector,
		SuggestedTags: suggested,
	})
}

func (h *Handler) fail(kind string) {
	h.metrics.Failures.WithLabelValues(kind).Inc()
}

func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	var err error
	for _, field := range fileFields {
		var (
			f      multipart.File
			header *multipart.FileHeader
		)
		f, header, err = r.FormFile(field)
		if err == nil {
			return f, header, nil
		}
	}
	return nil, nil, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}
