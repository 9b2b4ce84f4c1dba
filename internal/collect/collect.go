// Package collect provides the generic one-shot/continuous collector
// framework every data source in this optimizer plugs into: topology
// discovery runs once at startup, process-tree and region refreshes run
// from the control loop on their own configured periods. Grounded on
// pkg/performance/collector.go's Collector/PointCollector/
// ContinuousCollector split; CollectorCapabilities is dropped since this
// system has no eBPF/kernel-version gating to express (see DESIGN.md).
package collect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Kind names what a Source produces, mirroring performance.MetricType.
type Kind string

const (
	KindTopology Kind = "topology"
	KindProcTree Kind = "proctree"
	KindRegions  Kind = "regions"
)

// Status is a Source's current operational state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
)

// Source is the base every collector implements.
type Source interface {
	Kind() Kind
	Name() string
}

// PointSource performs one synchronous collection per call.
type PointSource interface {
	Source
	Collect(ctx context.Context) (any, error)
}

// ContinuousSource streams collected values on an interval until stopped.
type ContinuousSource interface {
	Source
	Start(ctx context.Context) (<-chan any, error)
	Stop() error
	Status() Status
	LastError() error
}

// Base provides the Kind/Name/logger plumbing shared by every Source.
type Base struct {
	kind   Kind
	name   string
	logger logr.Logger
}

func NewBase(kind Kind, name string, logger logr.Logger) Base {
	return Base{kind: kind, name: name, logger: logger.WithName(string(kind))}
}

func (b *Base) Kind() Kind         { return b.kind }
func (b *Base) Name() string       { return b.name }
func (b *Base) Logger() logr.Logger { return b.logger }

// BaseContinuous adds the status/error bookkeeping ContinuousSource needs.
type BaseContinuous struct {
	Base
	mu        sync.Mutex
	status    Status
	lastError error
}

func NewBaseContinuous(kind Kind, name string, logger logr.Logger) BaseContinuous {
	return BaseContinuous{Base: NewBase(kind, name, logger), status: StatusDisabled}
}

func (b *BaseContinuous) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *BaseContinuous) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *BaseContinuous) setStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

func (b *BaseContinuous) setError(err error) {
	b.mu.Lock()
	b.lastError = err
	if err != nil {
		b.status = StatusDegraded
	}
	b.mu.Unlock()
	if err != nil {
		b.Logger().Error(err, "collector error")
	}
}

// TickingSource wraps a PointSource into a ContinuousSource that calls
// Collect on a fixed interval, mirroring
// performance.ContinuousPointCollector. Not goroutine-safe beyond
// Start/Stop themselves.
type TickingSource struct {
	BaseContinuous
	point    PointSource
	interval time.Duration
	ch       chan any
	stopped  chan struct{}
}

// NewTickingSource adapts point into a ContinuousSource firing every
// interval.
func NewTickingSource(point PointSource, interval time.Duration, logger logr.Logger) *TickingSource {
	return &TickingSource{
		BaseContinuous: NewBaseContinuous(point.Kind(), point.Name(), logger),
		point:          point,
		interval:       interval,
	}
}

func (t *TickingSource) Start(ctx context.Context) (<-chan any, error) {
	if t.Status() != StatusDisabled {
		return nil, fmt.Errorf("collect: %s already running", t.Name())
	}
	t.ch = make(chan any, 64)
	t.stopped = make(chan struct{})
	t.setStatus(StatusActive)
	go t.run(ctx)
	return t.ch, nil
}

func (t *TickingSource) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v, err := t.point.Collect(ctx)
			t.setError(err)
			if err != nil {
				continue
			}
			select {
			case t.ch <- v:
			default:
			}
		case <-ctx.Done():
			_ = t.Stop()
			return
		case <-t.stopped:
			return
		}
	}
}

func (t *TickingSource) Stop() error {
	if t.Status() == StatusDisabled {
		return nil
	}
	close(t.stopped)
	close(t.ch)
	t.setStatus(StatusDisabled)
	return nil
}

// Once wraps a PointSource into a ContinuousSource that collects exactly
// once and closes, for data that never changes after startup (topology),
// mirroring performance.OnceContinuousCollector.
type Once struct {
	BaseContinuous
	point  PointSource
	once   sync.Once
	result any
}

func NewOnce(point PointSource, logger logr.Logger) *Once {
	return &Once{BaseContinuous: NewBaseContinuous(point.Kind(), point.Name(), logger), point: point}
}

func (o *Once) Start(ctx context.Context) (<-chan any, error) {
	if o.Status() != StatusDisabled {
		return nil, fmt.Errorf("collect: %s already run", o.Name())
	}
	o.setStatus(StatusActive)
	var err error
	o.once.Do(func() {
		o.result, err = o.point.Collect(ctx)
		o.setError(err)
	})
	ch := make(chan any, 1)
	if err == nil && o.result != nil {
		ch <- o.result
	}
	close(ch)
	return ch, o.LastError()
}

func (o *Once) Stop() error {
	o.setStatus(StatusDisabled)
	return nil
}
