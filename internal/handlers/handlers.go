package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/doc-validation/internal/auth"
	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/repository"
	"github.com/example/doc-validation/internal/usecase"
)

// MaxUploadSize bounds a whole multipart submission.
const MaxUploadSize = 10 << 20

// API is the use case surface served over HTTP.
type API interface {
	ValidateDocument(ctx context.Context, userID string, images map[document.ImageRole][]byte, raw map[document.RawDataSource]string) (*document.ValidationResponse, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.ValidationLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// CaptureSink accepts captures for asynchronous processing by a local device.
type CaptureSink interface {
	Submit(ctx context.Context, req *document.ValidationRequest) error
}

// Options carries the optional collaborators of the router.
type Options struct {
	// Limiter throttles submissions; nil disables throttling.
	Limiter *rate.Limiter
	// State reports the service lifecycle for /health.
	State func() string
	// Captures enables POST /captures.
	Captures CaptureSink
}

type submissionError struct {
	status int
	msg    string
}

func (e *submissionError) Error() string { return e.msg }

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, api API, authMiddleware gin.HandlerFunc, opts Options) {
	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if opts.State != nil {
			body["state"] = opts.State()
		}
		c.JSON(http.StatusOK, body)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/", authMiddleware)

	protected.POST("/validate", rateLimit(opts.Limiter), func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		images, raw, err := readSubmission(c)
		if err != nil {
			writeSubmissionError(c, err)
			return
		}

		resp, err := api.ValidateDocument(c.Request.Context(), userID, images, raw)
		if err != nil {
			status, msg := errorStatus(err)
			body := gin.H{"error": msg}
			if resp != nil {
				body["response"] = resp
			}
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	if opts.Captures != nil {
		protected.POST("/captures", rateLimit(opts.Limiter), func(c *gin.Context) {
			images, raw, err := readSubmission(c)
			if err != nil {
				writeSubmissionError(c, err)
				return
			}
			req, err := document.NewRequest(uuid.Nil, images, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := opts.Captures.Submit(c.Request.Context(), req); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"request_id": req.ID.String()})
		})
	}

	protected.GET("/result/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		log, err := api.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, logView(log))
	})

	protected.GET("/duplicates/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		report, err := api.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, gin.H{
				"request_id": d.RequestID,
				"status":     d.Status,
				"created_at": d.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"sha1_hash":  report.Request.SHA1Hash,
			"duplicates": duplicates,
		})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := api.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// readSubmission reads image parts named after their role and the pdf417 and
// mrz text fields.
func readSubmission(c *gin.Context) (map[document.ImageRole][]byte, map[document.RawDataSource]string, error) {
	tooLarge := &submissionError{http.StatusRequestEntityTooLarge, "upload exceeds size limit"}
	if c.Request.ContentLength > MaxUploadSize {
		return nil, nil, tooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	if err := c.Request.ParseMultipartForm(MaxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, tooLarge
		}
		return nil, nil, &submissionError{http.StatusBadRequest, "multipart form required"}
	}
	form := c.Request.MultipartForm

	images := make(map[document.ImageRole][]byte)
	for name, files := range form.File {
		role, ok := parseRole(name)
		if !ok {
			return nil, nil, &submissionError{http.StatusBadRequest, fmt.Sprintf("unknown image role %q", name)}
		}
		if len(files) != 1 {
			return nil, nil, &submissionError{http.StatusBadRequest, fmt.Sprintf("expected one image for %s", role)}
		}
		data, err := readImage(files[0])
		if err != nil {
			return nil, nil, err
		}
		images[role] = data
	}

	raw := make(map[document.RawDataSource]string)
	for name, values := range form.Value {
		source, ok := parseSource(name)
		if !ok {
			continue
		}
		if len(values) > 0 && values[0] != "" {
			raw[source] = values[0]
		}
	}
	return images, raw, nil
}

func readImage(fh *multipart.FileHeader) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, &submissionError{http.StatusUnsupportedMediaType, "images must have an image/* content type"}
	}
	src, err := fh.Open()
	if err != nil {
		return nil, &submissionError{http.StatusBadRequest, "unable to open image"}
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, &submissionError{http.StatusInternalServerError, "failed to read image"}
	}
	return data, nil
}

func parseRole(name string) (document.ImageRole, bool) {
	for _, role := range document.ImageRoles {
		if strings.EqualFold(string(role), name) {
			return role, true
		}
	}
	return "", false
}

func parseSource(name string) (document.RawDataSource, bool) {
	for _, source := range document.RawDataSources {
		if strings.EqualFold(string(source), name) {
			return source, true
		}
	}
	return "", false
}

func writeSubmissionError(c *gin.Context, err error) {
	var se *submissionError
	if errors.As(err, &se) {
		c.JSON(se.status, gin.H{"error": se.msg})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func errorStatus(err error) (int, string) {
	switch {
	case document.IsKind(err, document.KindInput):
		return http.StatusBadRequest, err.Error()
	case document.IsKind(err, document.KindInitialization):
		return http.StatusServiceUnavailable, "validation service is not ready"
	case document.IsKind(err, document.KindCancelled):
		return http.StatusServiceUnavailable, "validation cancelled"
	case document.IsKind(err, document.KindEngine):
		return http.StatusInternalServerError, err.Error()
	default:
		return http.StatusInternalServerError, "validation failed"
	}
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
}

func logView(log *repository.ValidationLog) gin.H {
	view := gin.H{
		"request_id":    log.RequestID,
		"user_id":       log.UserID,
		"status":        log.Status,
		"stage":         log.Stage,
		"document_kind": log.DocumentKind,
		"confidence":    log.Confidence,
		"latency_ms":    log.LatencyMs,
		"created_at":    log.CreatedAt,
	}
	if json.Valid([]byte(log.Details)) {
		view["result"] = json.RawMessage(log.Details)
	} else {
		view["details"] = log.Details
	}
	return view
}
