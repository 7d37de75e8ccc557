// Package pipeline runs one conversion: parse, assemble every segment,
// compose the output, and record what happened.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/loqalabs/loqa-reel/internal/assembler"
	"github.com/loqalabs/loqa-reel/internal/compositor"
	"github.com/loqalabs/loqa-reel/internal/eventstore"
	"github.com/loqalabs/loqa-reel/internal/events"
	"github.com/loqalabs/loqa-reel/internal/markup"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrNoSegments means the input held no narration and no image tags.
var ErrNoSegments = errors.New("input produced no segments")

// Assembler turns one segment into a timed, asset-backed segment.
type Assembler interface {
	Assemble(ctx context.Context, seg markup.Segment) (assembler.ComposedSegment, error)
}

// Journal records runs. Write failures are logged, never fatal.
type Journal interface {
	BeginRun(ctx context.Context, run eventstore.Run) error
	FinishRun(ctx context.Context, runID string, segments int, totalSeconds float64, runErr error) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Workers       int
	SubjectPrefix string
}

// Result summarizes a successful run.
type Result struct {
	RunID        string
	Output       string
	Segments     []assembler.ComposedSegment
	TotalSeconds float64
}

type Pipeline struct {
	assembler Assembler
	sink      compositor.Sink
	journal   Journal
	events    events.Publisher
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	runs      metric.Int64Counter
	duration  metric.Float64Histogram
}

func New(asm Assembler, sink compositor.Sink, journal Journal, publisher events.Publisher, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if publisher == nil {
		publisher = events.Noop()
	}
	p := &Pipeline{
		assembler: asm,
		sink:      sink,
		journal:   journal,
		events:    publisher,
		opts:      opts,
		logger:    logger.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-reel/pipeline"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-reel/pipeline")
	var err error
	if p.runs, err = meter.Int64Counter("reel.runs", metric.WithDescription("Pipeline runs by outcome")); err != nil {
		p.logger.Warn("failed to create metric", slogError(err))
	}
	if p.duration, err = meter.Float64Histogram("reel.run.seconds", metric.WithDescription("Wall time of pipeline runs"), metric.WithUnit("s")); err != nil {
		p.logger.Warn("failed to create metric", slogError(err))
	}
	return p
}

// Run converts text into output. Segments assemble in parallel; the result
// is ordered by segment order. Any segment error aborts the run.
func (p *Pipeline) Run(ctx context.Context, runID, text, output string) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("reel.run.id", runID),
	))
	defer span.End()
	started := time.Now()
	logger := p.logger.With(slog.String("run_id", runID))

	digest := sha256.Sum256([]byte(text))
	if err := p.journal.BeginRun(ctx, eventstore.Run{ID: runID, InputDigest: hex.EncodeToString(digest[:]), Output: output}); err != nil {
		logger.Warn("journal begin failed", slogError(err))
	}

	result, err := p.run(ctx, logger, runID, text, output)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		logger.Error("run failed", slogError(err))
		p.publish(ctx, logger, events.SubjectRunFailed, events.RunFailed{RunID: runID, Error: err.Error()})
	} else {
		logger.Info("run completed",
			slog.String("output", output),
			slog.Int("segments", len(result.Segments)),
			slog.Float64("seconds", result.TotalSeconds),
			slog.Duration("elapsed", time.Since(started)),
		)
		p.publish(ctx, logger, events.SubjectRunCompleted, events.RunCompleted{
			RunID:    runID,
			Output:   output,
			Segments: len(result.Segments),
			Seconds:  result.TotalSeconds,
		})
	}

	// The run context may already be cancelled; the journal still gets the outcome.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if jerr := p.journal.FinishRun(finishCtx, runID, len(result.Segments), result.TotalSeconds, err); jerr != nil {
		logger.Warn("journal finish failed", slogError(jerr))
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if p.runs != nil {
		p.runs.Add(ctx, 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, runID, text, output string) (Result, error) {
	segments := markup.Parse(text)
	if len(segments) == 0 {
		return Result{RunID: runID}, ErrNoSegments
	}
	logger.Info("input parsed", slog.Int("segments", len(segments)))

	composed := make([]assembler.ComposedSegment, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, seg := range segments {
		g.Go(func() error {
			cs, err := p.assembler.Assemble(gctx, seg)
			if err != nil {
				return err
			}
			composed[i] = cs
			p.recordSegment(gctx, logger, runID, cs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{RunID: runID}, err
	}

	slices.SortFunc(composed, func(a, b assembler.ComposedSegment) int { return a.Order - b.Order })
	result := Result{RunID: runID, Output: output, Segments: composed}
	for _, cs := range composed {
		result.TotalSeconds += cs.TotalDurationSeconds
	}

	if err := p.sink.Compose(ctx, composed, output); err != nil {
		return Result{RunID: runID, Segments: composed}, fmt.Errorf("compose %s: %w", output, err)
	}
	return result, nil
}

func (p *Pipeline) recordSegment(ctx context.Context, logger *slog.Logger, runID string, cs assembler.ComposedSegment) {
	payload, err := json.Marshal(cs)
	if err != nil {
		logger.Warn("encode segment event failed", slogError(err))
	} else if err := p.journal.AppendEvent(ctx, eventstore.Event{
		RunID:        runID,
		SegmentOrder: cs.Order,
		Type:         eventstore.EventSegmentComposed,
		Payload:      payload,
	}); err != nil {
		logger.Warn("journal append failed", slog.Int("order", cs.Order), slogError(err))
	}

	p.publish(ctx, logger, events.SubjectSegmentComposed, events.SegmentComposed{
		RunID:   runID,
		Order:   cs.Order,
		Keyword: cs.Keyword,
		Images:  len(cs.Visuals),
		Audio:   cs.AudioPath != "",
		Seconds: cs.TotalDurationSeconds,
	})
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, suffix string, payload any) {
	subject := events.Subject(p.opts.SubjectPrefix, suffix)
	if err := p.events.Publish(ctx, subject, payload); err != nil {
		logger.Warn("event publish failed", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
