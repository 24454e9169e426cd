// Package service is the public façade of the validation core: it owns
// initialization, request submission and the notification channels.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/aggregator"
	"github.com/example/doc-validation/internal/barcode"
	"github.com/example/doc-validation/internal/config"
	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/events"
	"github.com/example/doc-validation/internal/imageprocessor"
	"github.com/example/doc-validation/internal/logging"
	"github.com/example/doc-validation/internal/pipeline"
	"github.com/example/doc-validation/internal/testengine"
)

// ErrNoAnalyzer is returned by initialization when a remote host is
// configured but no analyzer was supplied.
var ErrNoAnalyzer = errors.New("no image analyzer configured for host")

// Option customizes a Service.
type Option func(*Service)

// WithAnalyzer replaces the image analyzer.
func WithAnalyzer(a imageprocessor.Analyzer) Option {
	return func(s *Service) { s.analyzer = a }
}

// WithParser replaces the raw data parser.
func WithParser(p barcode.Parser) Option {
	return func(s *Service) { s.parser = p }
}

// WithTests replaces the built-in test roster.
func WithTests(tests ...testengine.Test) Option {
	return func(s *Service) { s.tests = tests }
}

// WithDevices lists capture devices in order of preference.
func WithDevices(devices ...Device) Option {
	return func(s *Service) { s.devices = devices }
}

// WithClock sets the time source used by the pipeline.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service validates identity documents.
type Service struct {
	settings config.Settings
	logger   *zap.Logger

	analyzer imageprocessor.Analyzer
	parser   barcode.Parser
	tests    []testengine.Test
	devices  []Device
	now      func() time.Time

	stages    *events.Bus[events.StageChanged]
	errs      *events.Bus[events.ErrorReceived]
	completed *events.Bus[*document.ValidationResponse]
	states    *events.Bus[State]

	attempt atomic.Pointer[initAttempt]

	mu         sync.Mutex
	device     Device
	stopDevice context.CancelFunc
	loops      sync.WaitGroup
}

// New builds a Service. Nothing is opened until Initialize is called.
func New(settings config.Settings, logger *zap.Logger, opts ...Option) *Service {
	logger = logger.Named("service")
	s := &Service{
		settings:  settings,
		logger:    logger,
		parser:    barcode.NewDecoder(),
		now:       time.Now,
		stages:    events.NewBus[events.StageChanged]("stage_changed", settings.CallbackBudget, logger),
		errs:      events.NewBus[events.ErrorReceived]("error_received", settings.CallbackBudget, logger),
		completed: events.NewBus[*document.ValidationResponse]("device_processing_completed", settings.CallbackBudget, logger),
		states:    events.NewBus[State]("state_changed", settings.CallbackBudget, logger),
	}
	if settings.LocalHost() {
		s.analyzer = imageprocessor.NewLocalAnalyzer(settings.HostDirectoryPath, logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current lifecycle state.
func (s *Service) State() State {
	return s.attempt.Load().state()
}

// Initialize brings the service to Ready. Concurrent callers share one
// attempt; a call after a failed attempt starts a new one. ctx only bounds
// the wait, the attempt itself runs to completion.
func (s *Service) Initialize(ctx context.Context) error {
	for {
		cur := s.attempt.Load()
		if cur != nil && cur.state() != StateFailed {
			return s.waitAttempt(ctx, cur)
		}
		next := newInitAttempt()
		if !s.attempt.CompareAndSwap(cur, next) {
			continue
		}
		s.states.Publish(StateInitializing)
		go s.runInit(context.WithoutCancel(ctx), next)
		return s.waitAttempt(ctx, next)
	}
}

// InitializeAsync starts Initialize and returns a channel receiving its
// outcome.
func (s *Service) InitializeAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Initialize(ctx) }()
	return ch
}

func (s *Service) waitAttempt(ctx context.Context, a *initAttempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		if a.finished() {
			return a.err
		}
		return document.NewCancelledError(uuid.Nil, "", context.Cause(ctx))
	}
}

func (s *Service) runInit(ctx context.Context, a *initAttempt) {
	logger := logging.WithOperation(s.logger, "service.initialize", "")
	start := time.Now()

	p, err := s.initialize(ctx)
	if err != nil {
		a.err = document.NewInitializationError(err)
		logger.Error("initialization failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
	} else {
		a.pipeline = p
		logger.Info("initialization completed", zap.Duration("duration", time.Since(start)))
	}
	close(a.done)
	s.states.Publish(a.state())
}

func (s *Service) initialize(ctx context.Context) (*pipeline.Pipeline, error) {
	if s.analyzer == nil {
		return nil, fmt.Errorf("%w %q", ErrNoAnalyzer, s.settings.Host)
	}
	if init, ok := s.analyzer.(imageprocessor.Initializer); ok {
		if err := init.Init(ctx); err != nil {
			return nil, fmt.Errorf("initialize analyzer: %w", err)
		}
	}

	thresholds, err := testengine.LoadThresholds(s.settings.ThresholdsPath(testengine.ThresholdsFileName))
	if err != nil {
		return nil, err
	}
	tests := s.tests
	if tests == nil {
		tests = testengine.BuiltinTests(thresholds)
	}
	registry, err := testengine.NewRegistry(tests...)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(pipeline.Deps{
		Analyzer:   s.analyzer,
		Parser:     s.parser,
		Engine:     testengine.NewEngine(registry, s.logger),
		Aggregator: aggregator.New(s.settings.ConfidenceThreshold),
		Stages:     s.stages,
		Errors:     s.errs,
		Logger:     s.logger,
		Now:        s.now,
	})

	if s.settings.UseLocalDevices {
		if err := s.attachDevice(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Service) attachDevice(ctx context.Context, p *pipeline.Pipeline) error {
	errs := []error{ErrNoDevice}
	for _, d := range s.devices {
		if err := d.Open(ctx); err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", d.Name(), err))
			continue
		}
		loopCtx, stop := context.WithCancel(context.Background())
		s.mu.Lock()
		s.device, s.stopDevice = d, stop
		s.mu.Unlock()

		s.loops.Add(1)
		go s.deviceLoop(loopCtx, d, p)
		s.logger.Info("capture device attached", zap.String("device", d.Name()))
		return nil
	}
	return errors.Join(errs...)
}

// deviceLoop validates every capture the device produces and publishes the
// outcome on the device channel.
func (s *Service) deviceLoop(ctx context.Context, d Device, p *pipeline.Pipeline) {
	defer s.loops.Done()
	logger := s.logger.With(zap.String("device", d.Name()))
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-d.Captures():
			if !ok {
				logger.Info("capture device stopped")
				return
			}
			if req == nil {
				continue
			}
			resp, err := p.Process(ctx, req)
			if resp != nil {
				s.completed.Publish(resp)
			}
			if document.IsKind(err, document.KindInput) {
				s.errs.Publish(events.NewErrorReceived(req.ID, document.StageReceived, err))
			}
			if err != nil {
				logger.Warn("device capture failed", zap.String("request_id", req.ID.String()), zap.Error(err))
			}
		}
	}
}

// ready returns the pipeline, waiting for an in-flight initialization when
// the service is configured to.
func (s *Service) ready(ctx context.Context) (*pipeline.Pipeline, error) {
	a := s.attempt.Load()
	switch a.state() {
	case StateUninitialized:
		return nil, document.NewInitializationError(document.ErrNotInitialized)
	case StateInitializing:
		if !s.settings.WaitForInitialization {
			return nil, document.NewInitializationError(document.ErrNotInitialized)
		}
		if err := s.waitAttempt(ctx, a); err != nil {
			return nil, err
		}
	case StateFailed:
		return nil, a.err
	}
	return a.pipeline, nil
}

// Process validates req and returns its response. Failures are returned to
// the caller and also broadcast on the error channel when they occur inside
// the pipeline.
func (s *Service) Process(ctx context.Context, req *document.ValidationRequest) (*document.ValidationResponse, error) {
	p, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, req)
}

// ProcessAsync submits req and returns a handle to its pending outcome.
func (s *Service) ProcessAsync(ctx context.Context, req *document.ValidationRequest) *Call {
	cctx, cancel := context.WithCancel(ctx)
	c := &Call{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		c.resp, c.err = s.Process(cctx, req)
		close(c.done)
	}()
	return c
}

// OnStageChanged subscribes fn to stage transitions.
func (s *Service) OnStageChanged(fn func(events.StageChanged)) events.Handle {
	return s.stages.Subscribe(fn)
}

// OnError subscribes fn to pipeline failures.
func (s *Service) OnError(fn func(events.ErrorReceived)) events.Handle {
	return s.errs.Subscribe(fn)
}

// OnDeviceProcessingCompleted subscribes fn to results of device captures.
func (s *Service) OnDeviceProcessingCompleted(fn func(*document.ValidationResponse)) events.Handle {
	return s.completed.Subscribe(fn)
}

// OnStateChanged subscribes fn to lifecycle transitions.
func (s *Service) OnStateChanged(fn func(State)) events.Handle {
	return s.states.Subscribe(fn)
}

// Unsubscribe removes a subscription from whichever channel holds it.
func (s *Service) Unsubscribe(h events.Handle) bool {
	return s.stages.Unsubscribe(h) ||
		s.errs.Unsubscribe(h) ||
		s.completed.Unsubscribe(h) ||
		s.states.Unsubscribe(h)
}

// Close stops the device loop and closes the attached device.
func (s *Service) Close() error {
	s.mu.Lock()
	dev, stop := s.device, s.stopDevice
	s.device, s.stopDevice = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if dev != nil {
		err = dev.Close()
	}
	s.loops.Wait()
	return err
}

// Call is a pending asynchronous validation.
type Call struct {
	done   chan struct{}
	cancel context.CancelFunc
	resp   *document.ValidationResponse
	err    error
}

// Done is closed once the call has an outcome.
func (c *Call) Done() <-chan struct{} { return c.done }

// Cancel aborts the call. A call that already finished keeps its outcome.
func (c *Call) Cancel() { c.cancel() }

// Wait blocks until the call finishes or ctx is done.
func (c *Call) Wait(ctx context.Context) (*document.ValidationResponse, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
