package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/logging"
	"github.com/example/doc-validation/internal/repository"
)

type stubRepository struct {
	savedLogs  []*repository.ValidationLog
	saveErr    error
	findLog    *repository.ValidationLog
	findErr    error
	findCalls  int
	duplicates []*repository.ValidationLog
	dupCalls   int
	agg        *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ValidationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ValidationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.ValidationLog, error) {
	s.dupCalls++
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []any
	getKeys   []string
	deleted   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) Delete(ctx context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

type stubValidator struct {
	status document.Status
	stage  document.Stage
	err    error
	noResp bool
	seen   *document.ValidationRequest
}

func (s *stubValidator) Process(ctx context.Context, req *document.ValidationRequest) (*document.ValidationResponse, error) {
	s.seen = req
	if s.noResp {
		return nil, s.err
	}
	stage := s.stage
	if stage == "" {
		stage = document.StageCompleted
	}
	return &document.ValidationResponse{
		Document: &document.Document{RequestID: req.ID, Kind: document.KindDriverLicense},
		Result: &document.ValidationResult{
			AuthenticationTests: []document.TestResult{
				{Name: "UV Front Pattern", Type: document.Authentication, Status: document.StatusPass, Confidence: 90},
				document.NotPerformed("UV Back Pattern", document.Authentication, "missing image UVBack"),
			},
			DataValidationTests: []document.TestResult{
				{Name: "PDF417 Dates", Type: document.DataValidation, Status: document.StatusPass, Confidence: 70},
			},
			Status: s.status,
		},
		Stage: stage,
	}, s.err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var sampleImages = map[document.ImageRole][]byte{document.ColorFront: []byte("front")}

func TestValidateDocumentRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	validator := &stubValidator{status: document.StatusPass}
	uc := NewValidationUseCase(repo, cache, validator, zap.NewNop())

	resp, err := uc.ValidateDocument(context.Background(), "user-1", sampleImages, nil)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if resp.Result.Status != document.StatusPass {
		t.Fatalf("expected pass, got %s", resp.Result.Status)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}

	log := repo.savedLogs[0]
	if log.RequestID != validator.seen.ID.String() || log.UserID != "user-1" {
		t.Fatalf("unexpected log identity: %+v", log)
	}
	if log.Confidence != 80 {
		t.Fatalf("expected mean confidence of performed tests (80), got %v", log.Confidence)
	}
	if log.DocumentKind != string(document.KindDriverLicense) || log.Stage != string(document.StageCompleted) {
		t.Fatalf("unexpected log details: %+v", log)
	}
	if len(log.SHA1Hash) != 40 {
		t.Fatalf("expected sha1 hex digest, got %q", log.SHA1Hash)
	}
}

func TestValidateDocumentReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{}
	uc := NewValidationUseCase(repo, cache, &stubValidator{status: document.StatusPass}, zap.NewNop())

	_, err := uc.ValidateDocument(context.Background(), "user-1", sampleImages, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestValidateDocumentRejectsEmptySubmission(t *testing.T) {
	cache := &stubCache{}
	validator := &stubValidator{}
	uc := NewValidationUseCase(&stubRepository{}, cache, validator, zap.NewNop())

	_, err := uc.ValidateDocument(context.Background(), "user-1", nil, nil)
	if !document.IsKind(err, document.KindInput) {
		t.Fatalf("expected input error, got %v", err)
	}
	if validator.seen != nil || len(cache.setKeys) != 0 {
		t.Fatal("empty submission must not reach the cache or the validator")
	}
}

func TestValidateDocumentRecordsEngineFailure(t *testing.T) {
	repo := &stubRepository{}
	engineErr := errors.New("engine failure")
	validator := &stubValidator{status: document.StatusFail, stage: document.StageFailed, err: engineErr}
	uc := NewValidationUseCase(repo, &stubCache{}, validator, zap.NewNop())

	resp, err := uc.ValidateDocument(context.Background(), "user-1", sampleImages, nil)
	if !errors.Is(err, engineErr) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if resp == nil || resp.Result.Status != document.StatusFail {
		t.Fatalf("expected failed response, got %+v", resp)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Stage != string(document.StageFailed) {
		t.Fatalf("expected failed outcome to be persisted, got %+v", repo.savedLogs)
	}
}

func TestValidateDocumentClearsMarkerWithoutResult(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	validator := &stubValidator{noResp: true, err: context.Canceled}
	uc := NewValidationUseCase(repo, cache, validator, zap.NewNop())

	_, err := uc.ValidateDocument(context.Background(), "user-1", sampleImages, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(cache.deleted) != 1 || cache.deleted[0] != cache.setKeys[0] {
		t.Fatalf("expected processing marker to be cleared, got %v", cache.deleted)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("nothing should be persisted without a result")
	}
}

func TestPayloadHashIsStable(t *testing.T) {
	raw := map[document.RawDataSource]string{document.MRZ: "P<UTO", document.PDF417: "@ANSI"}
	a, err := document.NewRequest(uuid.Nil, sampleImages, raw)
	if err != nil {
		t.Fatal(err)
	}
	b, err := document.NewRequest(uuid.Nil, sampleImages, raw)
	if err != nil {
		t.Fatal(err)
	}
	if payloadHash(a) != payloadHash(b) {
		t.Fatal("equal payloads must hash equally")
	}
	c, err := document.NewRequest(uuid.Nil, sampleImages, map[document.RawDataSource]string{document.MRZ: "P<UTO"})
	if err != nil {
		t.Fatal(err)
	}
	if payloadHash(a) == payloadHash(c) {
		t.Fatal("different payloads must hash differently")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.ValidationLog{RequestID: "req", UserID: "user", Details: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := NewValidationUseCase(repo, cache, &stubValidator{}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultServesCacheOnlyToOwner(t *testing.T) {
	payload, err := json.Marshal(cachedValidation{RequestID: "req", UserID: "owner", Status: "Pass"})
	if err != nil {
		t.Fatal(err)
	}

	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := NewValidationUseCase(repo, cache, &stubValidator{}, zap.NewNop())
	log, err := uc.GetResult(context.Background(), "owner", "req")
	if err != nil || log.Status != "Pass" || repo.findCalls != 0 {
		t.Fatalf("expected cached result for owner, got %+v, %v (find calls %d)", log, err, repo.findCalls)
	}

	cache = &stubCache{getValues: []string{string(payload)}}
	repo = &stubRepository{}
	uc = NewValidationUseCase(repo, cache, &stubValidator{}, zap.NewNop())
	if _, err := uc.GetResult(context.Background(), "intruder", "req"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository lookup, got %d", repo.findCalls)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	repo := &stubRepository{
		findLog:    &repository.ValidationLog{RequestID: "req", UserID: "user", SHA1Hash: "abc"},
		duplicates: []*repository.ValidationLog{{RequestID: "older", SHA1Hash: "abc"}},
	}
	uc := NewValidationUseCase(repo, &stubCache{}, &stubValidator{}, zap.NewNop())

	report, err := uc.GetDuplicateReport(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(report.Duplicates) != 1 || report.Duplicates[0].RequestID != "older" {
		t.Fatalf("unexpected duplicates: %+v", report.Duplicates)
	}

	repo.findLog = &repository.ValidationLog{RequestID: "dev", UserID: "user"}
	report, err = uc.GetDuplicateReport(context.Background(), "user", "dev")
	if err != nil || len(report.Duplicates) != 0 || repo.dupCalls != 1 {
		t.Fatalf("logs without a hash have no duplicates, got %+v, %v", report, err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:        4,
		PassCount:         3,
		FailCount:         1,
		AverageConfidence: 81.5,
	}}
	uc := NewValidationUseCase(repo, &stubCache{}, &stubValidator{}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.PassRate != 0.75 || summary.FailedRequests != 1 || summary.AverageConfidence != 81.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRecordDeviceResult(t *testing.T) {
	repo := &stubRepository{}
	uc := NewValidationUseCase(repo, &stubCache{}, &stubValidator{}, zap.NewNop())
	resp, _ := (&stubValidator{status: document.StatusWarning}).Process(context.Background(),
		&document.ValidationRequest{ID: uuid.New()})

	if err := uc.RecordDeviceResult(context.Background(), "scanner", resp); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].UserID != "device:scanner" || repo.savedLogs[0].SHA1Hash != "" {
		t.Fatalf("unexpected device log: %+v", repo.savedLogs)
	}
}
