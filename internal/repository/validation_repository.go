package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/doc-validation/internal/logging"
)

// ErrNotFound is returned when no log matches the lookup.
var ErrNotFound = errors.New("validation log not found")

// ValidationLog represents a persisted validation outcome.
type ValidationLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID       string    `gorm:"column:user_id;index;size:64"`
	Status       string    `gorm:"column:status;size:16"`
	Stage        string    `gorm:"column:stage;size:16"`
	DocumentKind string    `gorm:"column:document_kind;size:32"`
	Confidence   float64   `gorm:"column:confidence"`
	Details      string    `gorm:"column:details;type:text"`
	SHA1Hash     string    `gorm:"column:sha1_hash;index;size:40"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ValidationLog) TableName() string {
	return "validation_logs"
}

// MetricsAggregation holds aggregate figures over all persisted logs.
type MetricsAggregation struct {
	TotalCount                 int64
	PassCount                  int64
	WarningCount               int64
	FailCount                  int64
	AverageConfidence          float64
	AverageProcessingLatencyMs float64
}

// ValidationRepository provides persistence APIs for validation logs.
type ValidationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewValidationRepository creates a new repository instance.
func NewValidationRepository(db *gorm.DB, logger *zap.Logger) *ValidationRepository {
	return &ValidationRepository{
		db:             db,
		logger:         logger.Named("validation_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ValidationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ValidationLog{})
	})
}

// SaveLog persists a validation log entry.
func (r *ValidationRepository) SaveLog(ctx context.Context, log *ValidationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a log matching the request and owner.
func (r *ValidationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ValidationLog, error) {
	var log ValidationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the owner's other logs with the same payload hash,
// newest first.
func (r *ValidationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*ValidationLog, error) {
	var logs []*ValidationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes outcome counts and averages over every log.
func (r *ValidationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ValidationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN status = 'Pass' THEN 1 ELSE 0 END), 0) AS pass_count,
				COALESCE(SUM(CASE WHEN status = 'Warning' THEN 1 ELSE 0 END), 0) AS warning_count,
				COALESCE(SUM(CASE WHEN status = 'Fail' THEN 1 ELSE 0 END), 0) AS fail_count,
				COALESCE(AVG(confidence), 0) AS average_confidence,
				COALESCE(AVG(latency_ms), 0) AS average_processing_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ValidationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := max(r.retryAttempts, 1)
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
