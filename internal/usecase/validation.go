package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/logging"
	"github.com/example/doc-validation/internal/repository"
)

const (
	processingTTL = time.Minute
	resultTTL     = 5 * time.Minute
)

// ValidationRepository defines the persistence operations needed by the use case.
type ValidationRepository interface {
	SaveLog(ctx context.Context, log *repository.ValidationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ValidationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.ValidationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Validator runs a request through the validation core.
type Validator interface {
	Process(ctx context.Context, req *document.ValidationRequest) (*document.ValidationResponse, error)
}

// ValidationUseCase encapsulates business logic around the validation core:
// persistence, caching and duplicate detection.
type ValidationUseCase struct {
	repo           ValidationRepository
	cache          Cache
	validator      Validator
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedValidation struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage"`
	DocumentKind string    `json:"document_kind"`
	Confidence   float64   `json:"confidence"`
	Details      string    `json:"details"`
	Hash         string    `json:"sha1_hash"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// DuplicateReport represents earlier submissions of the same payload.
type DuplicateReport struct {
	Request    *repository.ValidationLog
	Duplicates []*repository.ValidationLog
}

// NewValidationUseCase constructs a new use case instance.
func NewValidationUseCase(repo ValidationRepository, cache Cache, validator Validator, logger *zap.Logger) *ValidationUseCase {
	return &ValidationUseCase{
		repo:           repo,
		cache:          cache,
		validator:      validator,
		logger:         logger.Named("validation_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("validation:%s", requestID)
}

// ValidateDocument validates one submission and records its outcome. A
// response that failed inside the pipeline is recorded and returned together
// with its error.
func (uc *ValidationUseCase) ValidateDocument(ctx context.Context, userID string, images map[document.ImageRole][]byte, raw map[document.RawDataSource]string) (*document.ValidationResponse, error) {
	req, err := document.NewRequest(uuid.Nil, images, raw)
	if err != nil {
		return nil, err
	}
	requestID := req.ID.String()
	opLogger := logging.WithOperation(uc.logger, "usecase.validate_document", requestID)

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey(requestID), "processing", processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	start := uc.now()
	resp, procErr := uc.validator.Process(ctx, req)
	if resp == nil {
		opLogger.Warn("validation produced no result", zap.Error(procErr))
		if err := uc.cache.Delete(context.WithoutCancel(ctx), cacheKey(requestID)); err != nil {
			opLogger.Warn("failed to clear processing flag", zap.Error(err))
		}
		return nil, procErr
	}

	log := newValidationLog(userID, payloadHash(req), resp, uc.now().Sub(start), uc.now().UTC())
	if err := uc.record(ctx, log); err != nil {
		return nil, err
	}
	return resp, procErr
}

// RecordDeviceResult stores the outcome of a capture made by a local device.
func (uc *ValidationUseCase) RecordDeviceResult(ctx context.Context, deviceName string, resp *document.ValidationResponse) error {
	if resp == nil || resp.Document == nil {
		return errors.New("device result without document")
	}
	log := newValidationLog("device:"+deviceName, "", resp, 0, uc.now().UTC())
	return uc.record(ctx, log)
}

func (uc *ValidationUseCase) record(ctx context.Context, log *repository.ValidationLog) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", log.RequestID)
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", log.RequestID, err)
		opLogger.Error("failed to persist validation log", logging.ErrorField(wrapped))
		return wrapped
	}

	serialized, err := json.Marshal(cachedValidation{
		RequestID:    log.RequestID,
		UserID:       log.UserID,
		Status:       log.Status,
		Stage:        log.Stage,
		DocumentKind: log.DocumentKind,
		Confidence:   log.Confidence,
		Details:      log.Details,
		Hash:         log.SHA1Hash,
		LatencyMs:    log.LatencyMs,
		CreatedAt:    log.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize validation result", zap.Error(err))
		return err
	}

	if err := uc.withRedisRetry(ctx, log.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey(log.RequestID), string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache validation result", zap.Error(err))
		return err
	}
	return nil
}

// GetResult retrieves a cached validation outcome or loads it from persistence.
func (uc *ValidationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.ValidationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID)); err == nil {
		var payload cachedValidation
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			// The processing marker is not JSON; fall through to the database.
			opLogger.Debug("cached value is not a result", zap.Error(err))
		} else if payload.UserID == userID {
			return &repository.ValidationLog{
				RequestID:    payload.RequestID,
				UserID:       payload.UserID,
				Status:       payload.Status,
				Stage:        payload.Stage,
				DocumentKind: payload.DocumentKind,
				Confidence:   payload.Confidence,
				Details:      payload.Details,
				SHA1Hash:     payload.Hash,
				LatencyMs:    payload.LatencyMs,
				CreatedAt:    payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport lists earlier submissions of the same payload by the
// same user.
func (uc *ValidationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{Request: log, Duplicates: []*repository.ValidationLog{}}
	if log.SHA1Hash == "" {
		return report, nil
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}
	report.Duplicates = duplicates
	return report, nil
}

func newValidationLog(userID, hash string, resp *document.ValidationResponse, latency time.Duration, at time.Time) *repository.ValidationLog {
	log := &repository.ValidationLog{
		UserID:    userID,
		Stage:     string(resp.Stage),
		SHA1Hash:  hash,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: at,
	}
	if resp.Document != nil {
		log.RequestID = resp.Document.RequestID.String()
		log.DocumentKind = string(resp.Document.Kind)
	}
	if resp.Result != nil {
		log.Status = string(resp.Result.Status)
		log.Confidence = meanConfidence(resp.Result)
		if details, err := json.Marshal(resp.Result); err == nil {
			log.Details = string(details)
		}
	}
	return log
}

// meanConfidence averages the confidence of performed tests.
func meanConfidence(r *document.ValidationResult) float64 {
	var sum float64
	var n int
	for _, t := range r.Tests() {
		if t.Performed() {
			sum += t.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// payloadHash digests every image and raw string of req in a stable order.
func payloadHash(req *document.ValidationRequest) string {
	h := sha1.New()
	for _, role := range req.ImageRolesPresent() {
		fmt.Fprintf(h, "%s:%d:", role, len(req.Images[role]))
		h.Write(req.Images[role])
	}
	for _, src := range req.RawSourcesPresent() {
		fmt.Fprintf(h, "%s:%d:", src, len(req.RawItems[src]))
		h.Write([]byte(req.RawItems[src]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (uc *ValidationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		if err := fn(); err != nil {
			return logging.NewOperationError(operation, requestID, err)
		}
		return nil
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ValidationUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
