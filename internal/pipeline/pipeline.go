// Package pipeline drives one validation request through its stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/doc-validation/internal/aggregator"
	"github.com/example/doc-validation/internal/barcode"
	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/events"
	"github.com/example/doc-validation/internal/imageprocessor"
	"github.com/example/doc-validation/internal/logging"
	"github.com/example/doc-validation/internal/testengine"
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Analyzer   imageprocessor.Analyzer
	Parser     barcode.Parser
	Engine     *testengine.Engine
	Aggregator *aggregator.Aggregator
	Stages     *events.Bus[events.StageChanged]
	Errors     *events.Bus[events.ErrorReceived]
	Logger     *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline processes requests. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	analyzer   imageprocessor.Analyzer
	parser     barcode.Parser
	engine     *testengine.Engine
	aggregator *aggregator.Aggregator
	stages     *events.Bus[events.StageChanged]
	errors     *events.Bus[events.ErrorReceived]
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs a pipeline.
func New(d Deps) *Pipeline {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		analyzer:   d.Analyzer,
		parser:     d.Parser,
		engine:     d.Engine,
		aggregator: d.Aggregator,
		stages:     d.Stages,
		errors:     d.Errors,
		logger:     d.Logger.Named("pipeline"),
		now:        now,
	}
}

// run is the state of one request travelling through the pipeline.
type run struct {
	p      *Pipeline
	req    *document.ValidationRequest
	logger *zap.Logger

	stage      document.Stage
	stageStart time.Time

	inputs *testengine.Inputs
	doc    *document.Document
	auth   []document.TestResult
	cross  []document.TestResult
	data   []document.TestResult
}

// Process runs req through every stage. On an engine failure the partial
// response (status Fail, stage Failed) is returned together with the error.
// A cancelled ctx yields only a cancellation error.
func (p *Pipeline) Process(ctx context.Context, req *document.ValidationRequest) (*document.ValidationResponse, error) {
	if err := req.Validate(); err != nil {
		requestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	r := &run{
		p:      p,
		req:    req,
		logger: logging.WithOperation(p.logger, "pipeline.process", req.ID.String()),
		doc: &document.Document{
			RequestID: req.ID,
			Kind:      document.KindUnknown,
			Fields:    make(map[document.FieldSource]document.Fields),
			Images:    req.ImageRolesPresent(),
			Sources:   req.RawSourcesPresent(),
		},
	}

	steps := []struct {
		stage document.Stage
		fn    func(context.Context) error
	}{
		{document.StageReceived, nil},
		{document.StageDecoding, r.decode},
		{document.StageAuthenticating, r.category(document.Authentication, &r.auth)},
		{document.StageCrossMatching, r.category(document.CrossMatch, &r.cross)},
		{document.StageAggregating, nil},
	}
	for _, step := range steps {
		if err := r.enter(ctx, step.stage); err != nil {
			return nil, err
		}
		if step.fn == nil {
			continue
		}
		if err := step.fn(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, r.cancelled(ctx)
			}
			return r.fail(err)
		}
	}

	result := p.aggregator.Result(r.auth, r.cross, r.data)
	if err := r.enter(ctx, document.StageCompleted); err != nil {
		return nil, err
	}
	r.record(result)
	requestsTotal.WithLabelValues(string(result.Status)).Inc()
	r.logger.Info("validation completed", zap.String("status", string(result.Status)))
	return &document.ValidationResponse{Document: r.doc, Result: result, Stage: document.StageCompleted}, nil
}

// enter moves the run to stage and notifies subscribers, unless ctx is done.
func (r *run) enter(ctx context.Context, stage document.Stage) error {
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}
	now := r.p.now()
	if r.stage != "" {
		stageDuration.WithLabelValues(string(r.stage)).Observe(now.Sub(r.stageStart).Seconds())
	}
	r.stage, r.stageStart = stage, now
	r.logger.Debug("stage changed", zap.String("stage", string(stage)))
	r.p.stages.Publish(events.StageChanged{RequestID: r.req.ID, Status: stage, At: now})
	return nil
}

func (r *run) cancelled(ctx context.Context) error {
	requestsTotal.WithLabelValues("cancelled").Inc()
	r.logger.Info("validation cancelled", zap.String("stage", string(r.stage)))
	return document.NewCancelledError(r.req.ID, r.stage, context.Cause(ctx))
}

// fail finalizes a run whose current stage hit an unrecoverable error.
func (r *run) fail(cause error) (*document.ValidationResponse, error) {
	failedStage := r.stage
	err := document.NewEngineError(r.req.ID, failedStage, cause)
	r.logger.Error("validation failed", zap.String("stage", string(failedStage)), zap.Error(err))

	if r.auth == nil {
		r.auth = r.p.engine.Skipped(document.Authentication, "aborted")
	}
	if r.cross == nil {
		r.cross = r.p.engine.Skipped(document.CrossMatch, "aborted")
	}
	if r.data == nil {
		r.data = r.p.engine.Skipped(document.DataValidation, "aborted")
	}
	result := r.p.aggregator.Result(r.auth, r.cross, r.data)
	result.Status = document.StatusFail
	r.record(result)
	requestsTotal.WithLabelValues(string(document.StatusFail)).Inc()

	r.p.errors.Publish(events.NewErrorReceived(r.req.ID, failedStage, err))
	r.stage = document.StageFailed
	r.p.stages.Publish(events.StageChanged{RequestID: r.req.ID, Status: document.StageFailed, At: r.p.now()})

	return &document.ValidationResponse{Document: r.doc, Result: result, Stage: document.StageFailed}, err
}

func (r *run) record(result *document.ValidationResult) {
	for _, t := range result.Tests() {
		testsTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	}
}

// category returns a step that runs one test category into dst. The roster
// is stored even when the engine reports an error.
func (r *run) category(category document.Category, dst *[]document.TestResult) func(context.Context) error {
	return func(ctx context.Context) error {
		results, err := r.p.engine.Run(ctx, category, r.inputs)
		*dst = results
		return err
	}
}

type imageOutcome struct {
	role     document.ImageRole
	features *imageprocessor.Features
}

type rawOutcome struct {
	source document.RawDataSource
	parsed *barcode.Parsed
}

// decode analyzes every image and parses every raw string concurrently, then
// runs the DataValidation tests on what was decoded.
func (r *run) decode(ctx context.Context) error {
	roles := r.req.ImageRolesPresent()
	sources := r.req.RawSourcesPresent()
	images := make([]imageOutcome, len(roles))
	raws := make([]rawOutcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			features, err := r.p.analyzer.Analyze(gctx, role, r.req.Images[role])
			if err != nil {
				if imageprocessor.IsDecodeFailure(err) {
					r.dropped(string(role), err)
					return nil
				}
				return fmt.Errorf("analyze %s: %w", role, err)
			}
			images[i] = imageOutcome{role: role, features: features}
			return nil
		})
	}
	for i, source := range sources {
		g.Go(func() error {
			parsed, err := r.p.parser.Parse(gctx, source, r.req.RawItems[source])
			if err != nil {
				if errors.Is(err, barcode.ErrMalformedPayload) {
					r.dropped(string(source), err)
					return nil
				}
				return fmt.Errorf("parse %s: %w", source, err)
			}
			raws[i] = rawOutcome{source: source, parsed: parsed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	in := &testengine.Inputs{
		RequestID: r.req.ID,
		Images:    make(map[document.ImageRole]*imageprocessor.Features, len(images)),
		Parsed:    make(map[document.RawDataSource]*barcode.Parsed, len(raws)),
		Fields:    make(map[document.FieldSource]document.Fields),
		Now:       r.p.now(),
	}
	for _, img := range images {
		if img.features == nil {
			continue
		}
		in.Images[img.role] = img.features
		if len(img.features.Fields) > 0 {
			ocr := in.Fields[document.SourceOCR]
			if ocr == nil {
				ocr = make(document.Fields)
				in.Fields[document.SourceOCR] = ocr
			}
			for name, value := range img.features.Fields {
				if _, ok := ocr[name]; !ok {
					ocr[name] = value
				}
			}
		}
	}
	for _, raw := range raws {
		if raw.parsed == nil {
			continue
		}
		in.Parsed[raw.source] = raw.parsed
		in.Fields[document.FieldSourceFor(raw.source)] = raw.parsed.Fields
		if r.doc.Kind == document.KindUnknown {
			r.doc.Kind = raw.parsed.Kind
		}
	}
	for source, fields := range in.Fields {
		r.doc.Fields[source] = fields
	}
	r.inputs = in

	return r.category(document.DataValidation, &r.data)(ctx)
}

// dropped records a recoverable decode failure; the source's tests will be
// reported NotPerformed.
func (r *run) dropped(source string, err error) {
	decodeFailuresTotal.WithLabelValues(source).Inc()
	r.logger.Warn("input dropped", zap.String("source", source),
		zap.Error(document.NewDecodeError(r.req.ID, err)))
}
