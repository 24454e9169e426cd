// Package grpcclient talks to a remote analysis host over gRPC.
package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/imageprocessor"
	"github.com/example/doc-validation/internal/logging"
)

// ErrHostNotServing is returned by Init when the host reports itself unhealthy.
var ErrHostNotServing = errors.New("analysis host is not serving")

// BreakerSettings tune the circuit breaker around remote calls.
type BreakerSettings struct {
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

// DefaultBreakerSettings returns the breaker used by Dial.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:      5,
		FailureRatio:     0.5,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Analyzer is an imageprocessor.Analyzer backed by a remote host.
type Analyzer struct {
	conn    grpc.ClientConnInterface
	health  healthpb.HealthClient
	breaker *gobreaker.CircuitBreaker[*imageprocessor.Features]
	logger  *zap.Logger
}

// Dial returns a ready-to-use client for the analysis host at addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Analyzer, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial", "", err)
		logger.Error("failed to dial analysis host", logging.ErrorField(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewAnalyzer(conn, DefaultBreakerSettings(), logger), conn, nil
}

// NewAnalyzer wraps an established connection.
func NewAnalyzer(conn grpc.ClientConnInterface, bs BreakerSettings, logger *zap.Logger) *Analyzer {
	logger = logger.Named("grpc_analyzer")
	breaker := gobreaker.NewCircuitBreaker[*imageprocessor.Features](gobreaker.Settings{
		Name:        ServiceName,
		MaxRequests: bs.HalfOpenMaxCalls,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bs.FailureRatio
		},
		// Unreadable captures and cancellations say nothing about host health.
		IsSuccessful: func(err error) bool {
			return err == nil || imageprocessor.IsDecodeFailure(err) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Analyzer{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: breaker,
		logger:  logger,
	}
}

// Init checks that the host serves the analyzer.
func (a *Analyzer) Init(ctx context.Context) error {
	resp, err := a.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return logging.NewOperationError("grpcclient.init", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return logging.NewOperationError("grpcclient.init", "",
			fmt.Errorf("%w: %s", ErrHostNotServing, resp.GetStatus()))
	}
	return nil
}

// Analyze sends one image to the host.
func (a *Analyzer) Analyze(ctx context.Context, role document.ImageRole, data []byte) (*imageprocessor.Features, error) {
	f, err := a.breaker.Execute(func() (*imageprocessor.Features, error) {
		resp := new(structpb.Struct)
		if err := a.conn.Invoke(ctx, analyzeMethod, encodeRequest(role, data), resp); err != nil {
			return nil, fromStatus(err)
		}
		return decodeFeatures(role, resp)
	})
	if err != nil {
		if imageprocessor.IsDecodeFailure(err) {
			return nil, err
		}
		wrapped := logging.NewOperationError("grpcclient.analyze", "", err)
		a.logger.Error("analysis host call failed", logging.ErrorField(wrapped), zap.String("role", string(role)))
		return nil, wrapped
	}
	return f, nil
}

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
