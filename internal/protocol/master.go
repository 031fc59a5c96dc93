package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"conductor/internal/core"
	"conductor/internal/report"
	"conductor/internal/stage"
	"conductor/internal/stats"
)

// DefaultAckTimeout bounds ack collection for one stage.
const DefaultAckTimeout = 5 * time.Minute

// ErrDuplicateAck is returned when two acks claim the same worker index.
var ErrDuplicateAck = errors.New("duplicate acknowledgement")

// Result is the fleet-wide verdict for one stage.
type Result int

const (
	Success Result = iota
	// Fail skips the rest of the current scenario.
	Fail
	// Exit aborts the whole run.
	Exit
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Fail:
		return "FAIL"
	case Exit:
		return "EXIT"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Outcome describes one stage round.
type Outcome struct {
	Stage  string
	Result Result
	// Acks holds one ack per dispatched worker, sorted by worker index.
	Acks []stage.Ack
	// Iteration is set when the results were folded into the report.
	Iteration *report.Iteration
	Test      string
}

// Failed returns the acks that did not succeed.
func (o Outcome) Failed() []stage.Ack {
	var out []stage.Ack
	for _, a := range o.Acks {
		if !a.Success {
			out = append(out, a)
		}
	}
	return out
}

// Observer is notified of stage progress.
type Observer interface {
	StageStarted(name string, workers int)
	AckReceived(ack stage.Ack)
	StageFinished(out Outcome)
}

type nopObserver struct{}

func (nopObserver) StageStarted(string, int) {}
func (nopObserver) AckReceived(stage.Ack)    {}
func (nopObserver) StageFinished(Outcome)    {}

// Master dispatches stages to slaves and folds results into a report.
type Master struct {
	slaves     []Slave
	report     *report.Report
	stages     *stage.Registry
	ackTimeout time.Duration
	log        *slog.Logger
	tracer     trace.Tracer
	exporter   *report.Exporter
	observer   Observer
}

type Option func(*Master)

// WithAckTimeout bounds how long a stage waits for acks. Non-positive values
// keep the default.
func WithAckTimeout(d time.Duration) Option {
	return func(m *Master) {
		if d > 0 {
			m.ackTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Master) { m.log = l }
}

// WithStages replaces the built-in stage registry used to interpret specs.
func WithStages(r *stage.Registry) Option {
	return func(m *Master) { m.stages = r }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Master) { m.tracer = tp.Tracer("conductor/protocol") }
}

// WithExporter publishes stage outcomes and folded iterations.
func WithExporter(e *report.Exporter) Option {
	return func(m *Master) { m.exporter = e }
}

func WithObserver(o Observer) Option {
	return func(m *Master) { m.observer = o }
}

func NewMaster(slaves []Slave, rep *report.Report, opts ...Option) *Master {
	m := &Master{
		slaves:     slices.Clone(slaves),
		report:     rep,
		stages:     stage.DefaultRegistry(),
		ackTimeout: DefaultAckTimeout,
		log:        slog.New(slog.DiscardHandler),
		tracer:     otel.GetTracerProvider().Tracer("conductor/protocol"),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.report == nil {
		m.report = report.New()
	}
	return m
}

// Report returns the report results are folded into.
func (m *Master) Report() *report.Report { return m.report }

// WaitReady pings every slave that supports it.
func (m *Master) WaitReady(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.slaves {
		p, ok := s.(Pinger)
		if !ok {
			continue
		}
		index := s.Index()
		g.Go(func() error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("worker %d not ready: %w", index, err)
			}
			return nil
		})
	}
	return g.Wait()
}

type delivery struct {
	index int
	ack   stage.Ack
	err   error
}

// RunStage dispatches spec to every slave and waits for all acks. A returned
// error is an internal protocol violation and must abort the run.
func (m *Master) RunStage(ctx context.Context, spec stage.Spec) (Outcome, error) {
	name := specName(spec)
	log := m.log.With("stage", name)
	out := Outcome{Stage: name}

	ctx, span := m.tracer.Start(ctx, "stage "+name, trace.WithAttributes(
		attribute.String("stage.name", name),
		attribute.String("stage.type", spec.Type),
		attribute.Int("stage.workers", len(m.slaves)),
	))
	defer span.End()

	s, err := m.stages.Build(spec)
	if err != nil {
		log.Error("stage cannot be built", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "configuration")
		out.Result = Fail
		if stage.PeekCommon(spec).ExitOnFailure {
			out.Result = Exit
		}
		m.finish(span, out)
		return out, nil
	}

	m.observer.StageStarted(name, len(m.slaves))
	acks, err := m.collect(ctx, spec, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "protocol violation")
		return out, err
	}
	out.Acks = acks

	out.Result = Success
	for _, a := range acks {
		if a.Success {
			continue
		}
		out.Result = Fail
		log.Error("worker failed", "worker", a.Worker, "error", a.Error)
		span.AddEvent("worker failed", trace.WithAttributes(
			attribute.Int("worker", a.Worker),
			attribute.String("error", a.Error),
		))
	}

	if out.Result == Fail {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d workers failed", len(out.Failed()), len(acks)))
		if s.ExitOnFailure() {
			out.Result = Exit
		}
	} else if r, ok := s.(stage.Reporter); ok {
		m.fold(&out, r.TestName(), log)
	}

	m.finish(span, out)
	return out, nil
}

func (m *Master) finish(span trace.Span, out Outcome) {
	span.SetAttributes(attribute.String("stage.result", out.Result.String()))
	if m.exporter != nil {
		m.exporter.Stage(out.Stage, out.Result.String())
	}
	m.observer.StageFinished(out)
}

// collect fans spec out and gathers one ack per slave. Slaves that do not
// answer within the ack timeout, or whose transport fails, get a failed ack.
func (m *Master) collect(ctx context.Context, spec stage.Spec, log *slog.Logger) ([]stage.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ackTimeout)
	defer cancel()

	ch := make(chan delivery, len(m.slaves))
	for _, s := range m.slaves {
		go func(s Slave) {
			ack, err := s.Execute(ctx, spec)
			ch <- delivery{index: s.Index(), ack: ack, err: err}
		}(s)
	}

	received := make(map[int]stage.Ack, len(m.slaves))
	answered := make(map[int]bool, len(m.slaves))
	var dups []int
wait:
	for range m.slaves {
		select {
		case d := <-ch:
			answered[d.index] = true
			ack := d.ack
			if d.err != nil {
				log.Warn("no ack from worker", "worker", d.index, "error", d.err)
				ack = stage.Ack{
					Worker: d.index,
					Error:  fmt.Errorf("%w: worker %d: %w", core.ErrProtocolTimeout, d.index, d.err).Error(),
				}
			}
			if _, dup := received[ack.Worker]; dup {
				dups = append(dups, ack.Worker)
				continue
			}
			received[ack.Worker] = ack
			m.observer.AckReceived(ack)
		case <-ctx.Done():
			break wait
		}
	}
	if len(dups) > 0 {
		return nil, fmt.Errorf("%w: worker %s", ErrDuplicateAck, joinInts(dups))
	}

	for _, s := range m.slaves {
		if answered[s.Index()] {
			continue
		}
		if _, ok := received[s.Index()]; ok {
			continue
		}
		log.Warn("ack timed out", "worker", s.Index(), "timeout", m.ackTimeout)
		ack := stage.Ack{
			Worker: s.Index(),
			Error:  fmt.Sprintf("%v: worker %d: no ack within %v", core.ErrProtocolTimeout, s.Index(), m.ackTimeout),
		}
		received[s.Index()] = ack
		m.observer.AckReceived(ack)
	}

	acks := make([]stage.Ack, 0, len(received))
	for _, a := range received {
		acks = append(acks, a)
	}
	slices.SortFunc(acks, func(a, b stage.Ack) int { return a.Worker - b.Worker })
	return acks, nil
}

// fold appends the merged worker statistics as a new iteration of testName,
// unless the name is a sentinel.
func (m *Master) fold(out *Outcome, testName string, log *slog.Logger) {
	out.Test = testName
	switch {
	case strings.TrimSpace(testName) == "":
		log.Warn("no test name, results are not recorded")
		return
	case strings.EqualFold(testName, "warmup"):
		log.Info("stage was executed as a warmup")
		return
	case report.IsDiscarded(testName):
		log.Debug("results discarded", "test", testName)
		return
	}

	perWorker := make(map[int]stats.Snapshot, len(out.Acks))
	for _, a := range out.Acks {
		if a.Statistics != nil {
			perWorker[a.Worker] = *a.Statistics
		} else {
			perWorker[a.Worker] = stats.Snapshot{}
		}
	}
	it := m.report.GetOrCreateTest(testName, true).AddIteration(perWorker)
	out.Iteration = &it
	log.Info("iteration recorded", "test", testName, "iteration", it.Index,
		"requests", it.Aggregate.Total().Requests)
	if m.exporter != nil {
		m.exporter.Iteration(testName, it)
	}
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
