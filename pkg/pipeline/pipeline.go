// Package pipeline runs acquisition: a reader goroutine that owns the serial
// port and all per-node state, and a writer goroutine that owns the CSV sink.
// They share only the bounded sample queue and the latest-frame slot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/delta"
	"github.com/itohio/capgrid/pkg/frame"
	"github.com/itohio/capgrid/pkg/metrics"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/itohio/capgrid/pkg/scanner"
	"github.com/itohio/capgrid/pkg/store"
	"github.com/itohio/capgrid/pkg/touch"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrReconnectExhausted is returned by Run when the serial port could not
	// be reopened within the configured number of attempts.
	ErrReconnectExhausted = errors.New("serial reconnect attempts exhausted")
	// ErrBusy is returned when a control request cannot be queued.
	ErrBusy = errors.New("pipeline control queue full")
	// ErrAlreadyRun is returned when Run is called a second time.
	ErrAlreadyRun = errors.New("pipeline already run")
)

const (
	controlQueueSize = 16
	storeTimeout     = 5 * time.Second
)

// Sink receives every accepted sample. It is used by the writer goroutine only.
type Sink interface {
	Write(s sample.Sample) error
	Close() error
}

// Option configures optional pipeline hooks.
type Option func(*Pipeline)

// WithStore records the session and its baseline table in st.
func WithStore(st *store.Store) Option {
	return func(p *Pipeline) { p.store = st }
}

// WithPeaks sets the per-node peak deltas used for intensity.
func WithPeaks(peaks calibration.Peaks) Option {
	return func(p *Pipeline) { p.peaks = peaks }
}

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline wires the scanner to the trackers, calibration, frame assembly and
// persistence. A Pipeline runs once.
type Pipeline struct {
	cfg    *config.Config
	port   scanner.Port
	sink   Sink
	store  *store.Store
	peaks  calibration.Peaks
	now    func() time.Time
	format scanner.Format

	// Owned by the reader goroutine
	router      *touch.Router
	baseline    *calibration.Baseline
	assembler   *frame.Assembler
	normalizer  *delta.Normalizer
	start       time.Time
	session     string
	calVersion  uint64
	calLast     calibration.State
	lastFrameTS float64
	hasFrame    bool

	queue     *Queue
	control   chan func()
	slot      frame.Slot[Snapshot]
	calStatus frame.Slot[CalibrationStatus]
	closePort sync.Once
	running   atomic.Bool

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	startedAt    atomic.Int64
	connected    atomic.Bool
	calState     atomic.Int32
	samples      atomic.Uint64
	parseDropped atomic.Uint64
	persisted    atomic.Uint64
	frames       atomic.Uint64
	partial      atomic.Uint64
	reconnects   atomic.Uint64
	trackers     atomic.Int64

	dropLog  rate.Sometimes
	parseLog rate.Sometimes

	cbMu      sync.RWMutex
	callbacks []func(Snapshot)
}

// New creates a pipeline reading from port and persisting to sink. cfg is
// expected to be validated.
func New(cfg *config.Config, port scanner.Port, sink Sink, opts ...Option) *Pipeline {
	format, err := scanner.ParseFormat(cfg.Serial.Format)
	if err != nil {
		monitoring.Logf("Pipeline: %v, using auto", err)
		format = scanner.FormatAuto
	}
	active, err := cfg.Grid.ActiveKeys()
	if err != nil {
		monitoring.Logf("Pipeline: %v, using the whole grid", err)
		active = nil
	}

	reg := prometheus.NewRegistry()
	p := &Pipeline{
		cfg:        cfg,
		port:       port,
		sink:       sink,
		now:        time.Now,
		format:     format,
		router:     touch.NewRouter(cfg.Grid.Rows, cfg.Grid.Cols, cfg.Tracker),
		baseline:   calibration.NewBaseline(cfg.Grid.Nodes(), cfg.Calibration),
		assembler:  frame.NewAssembler(cfg.Grid.Rows, cfg.Grid.Cols, active, cfg.Frame),
		normalizer: delta.New(cfg.Normalize),
		queue:      NewQueue(cfg.Pipeline.QueueSize),
		control:    make(chan func(), controlQueueSize),
		registry:   reg,
		metrics:    metrics.New(reg),
		dropLog:    rate.Sometimes{Interval: time.Second},
		parseLog:   rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics.QueueCapacity.Set(float64(p.queue.Cap()))
	p.setTrackers()
	return p
}

// Registry returns the registry holding this pipeline's collectors.
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.registry
}

// OnFrame registers a callback invoked from the reader goroutine after every
// published frame. Callbacks must return quickly.
func (p *Pipeline) OnFrame(callback func(Snapshot)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.callbacks = append(p.callbacks, callback)
}

// Snapshot returns the latest published frame.
func (p *Pipeline) Snapshot() (Snapshot, bool) {
	return p.slot.Load()
}

// Calibration returns the current calibration state and per-node report.
func (p *Pipeline) Calibration() CalibrationStatus {
	if st, ok := p.calStatus.Load(); ok {
		return st
	}
	return CalibrationStatus{State: calibration.Collecting}
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Connected:     p.connected.Load(),
		Samples:       p.samples.Load(),
		ParseDropped:  p.parseDropped.Load(),
		Persisted:     p.persisted.Load(),
		Lost:          p.queue.Lost(),
		Frames:        p.frames.Load(),
		PartialFrames: p.partial.Load(),
		Reconnects:    p.reconnects.Load(),
		QueueDepth:    p.queue.Len(),
		QueueCapacity: p.queue.Cap(),
		Trackers:      int(p.trackers.Load()),
		Calibration:   calibration.State(p.calState.Load()),
	}
	if ns := p.startedAt.Load(); ns != 0 {
		st.StartedAt = time.Unix(0, ns)
	}
	return st
}

// Recalibrate discards the baseline table and starts a new calibration window.
func (p *Pipeline) Recalibrate() error {
	return p.submit(func() {
		p.baseline.Restart()
		monitoring.Logf("Calibration restarted")
		p.updateCalibration()
	})
}

// ResetCell re-initialises one node's tracker and re-acquires its C0.
func (p *Pipeline) ResetCell(row, col uint32) error {
	return p.submit(func() {
		p.router.ResetCell(row, col)
		p.baseline.ResetNode(sample.Key(row, col))
		monitoring.Logf("Cell %d,%d reset", row, col)
		p.updateCalibration()
	})
}

func (p *Pipeline) submit(fn func()) error {
	select {
	case p.control <- fn:
		return nil
	default:
		return ErrBusy
	}
}

// Run acquires until ctx is cancelled or the serial port fails for good.
// It returns nil on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	p.start = p.now()
	p.startedAt.Store(p.start.UnixNano())
	p.beginSession(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	err := g.Wait()

	p.finishSession()
	p.logSummary()
	return err
}

// readLoop owns the port. It exits on cancellation or fatal serial failure,
// closing the port and then the queue.
func (p *Pipeline) readLoop(ctx context.Context) error {
	defer p.queue.Close()
	defer p.closePortOnce()

	if !p.port.IsConnected() {
		if err := p.port.Connect(); err != nil {
			if err := p.reconnect(ctx, err); err != nil {
				return err
			}
		}
	}
	p.connected.Store(p.port.IsConnected())

	for ctx.Err() == nil {
		p.runControl()

		line, err := p.port.ReadLine(p.cfg.Serial.ReadTimeout)
		switch {
		case err == nil:
			p.handleLine(line)
		case errors.Is(err, scanner.ErrReadTimeout):
			p.flush()
		default:
			if ctx.Err() != nil {
				return nil
			}
			if err := p.reconnect(ctx, err); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) runControl() {
	for {
		select {
		case fn := <-p.control:
			fn()
		default:
			return
		}
	}
}

func (p *Pipeline) closePortOnce() {
	p.closePort.Do(func() {
		if err := p.port.Close(); err != nil {
			monitoring.Logf("Pipeline: %v", err)
		}
		p.connected.Store(false)
	})
}

// reconnect closes the failed port and tries to reopen it with exponential
// backoff. It returns nil when reconnected or when ctx is cancelled.
func (p *Pipeline) reconnect(ctx context.Context, cause error) error {
	monitoring.Logf("Serial failure: %v", cause)
	p.connected.Store(false)
	if err := p.port.Close(); err != nil {
		monitoring.Logf("Pipeline: %v", err)
	}

	attempts := p.cfg.Pipeline.ReconnectAttempts
	backoff := p.cfg.Pipeline.ReconnectBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		p.reconnects.Add(1)
		p.metrics.Reconnects.Inc()
		err := p.port.Connect()
		if err == nil {
			monitoring.Logf("Serial reconnected after %d attempt(s)", attempt)
			p.connected.Store(true)
			return nil
		}
		monitoring.Logf("Serial reconnect %d/%d failed: %v", attempt, attempts, err)
		backoff *= 2
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, cause)
}

func (p *Pipeline) handleLine(line string) {
	raw, err := scanner.ParseLine(line, p.format)
	if err != nil {
		p.parseDropped.Add(1)
		if errors.Is(err, scanner.ErrBanner) {
			p.metrics.ParseDropped.WithLabelValues(metrics.DropBanner).Inc()
			monitoring.Logf("Scanner: %s", line)
			return
		}
		p.metrics.ParseDropped.WithLabelValues(metrics.DropMalformed).Inc()
		p.parseLog.Do(func() {
			monitoring.Logf("Pipeline: discarding line %q: %v", line, err)
		})
		return
	}

	p.process(sample.Sample{
		Timestamp:    sample.Elapsed(p.start, p.now()),
		Row:          raw.Row,
		Col:          raw.Col,
		Raw:          raw.Value,
		DeviceMillis: raw.DeviceMillis,
	})
}

// process runs one sample through detection, calibration, persistence and
// frame assembly. Detection never depends on whether persistence accepted it.
func (p *Pipeline) process(s sample.Sample) {
	p.router.Feed(s.Row, s.Col, s.Raw)
	if !s.Key().In(p.cfg.Grid.Rows, p.cfg.Grid.Cols) {
		p.setTrackers()
	}
	p.samples.Add(1)
	p.metrics.SamplesTotal.Inc()

	p.baseline.Add(s)
	p.updateCalibration()

	if !p.queue.Push(s, p.cfg.Pipeline.PushTimeout) {
		p.metrics.LostTotal.Inc()
		p.dropLog.Do(func() {
			monitoring.Logf("Pipeline: write queue full, %s samples lost so far", humanize.Comma(int64(p.queue.Lost())))
		})
	}
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))

	if f, ok := p.assembler.Add(s); ok {
		p.publish(f)
	}
}

func (p *Pipeline) setTrackers() {
	n := p.router.Len()
	p.trackers.Store(int64(n))
	p.metrics.Trackers.Set(float64(n))
}

// flush publishes a stale partial frame after a quiet read.
func (p *Pipeline) flush() {
	if f, ok := p.assembler.Flush(sample.Elapsed(p.start, p.now())); ok {
		p.publish(f)
	}
}

func (p *Pipeline) publish(f *frame.Frame) {
	var lookup delta.Lookup
	if table := p.baseline.Table(); table != nil {
		lookup = table
	}

	n := f.Rows * f.Cols
	cells := make([]TouchCell, n)
	intensity := make([]float64, n)
	for i := 0; i < n; i++ {
		k := f.Key(i)
		t, ok := p.router.Tracker(k.Row, k.Col)
		if !ok {
			continue
		}
		cells[i] = TouchCell{Delta: t.Delta(), Touched: t.Touched()}
		intensity[i] = delta.Intensity(t.Delta(), p.peaks.Get(k))
	}

	snap := Snapshot{
		Frame:       f,
		Deltas:      p.normalizer.Normalize(f, lookup),
		Touch:       cells,
		Intensity:   intensity,
		Calibration: p.baseline.State(),
	}
	p.slot.Store(snap)

	p.frames.Add(1)
	kind := metrics.FrameComplete
	if f.Partial {
		kind = metrics.FramePartial
		p.partial.Add(1)
	}
	p.metrics.FramesTotal.WithLabelValues(kind).Inc()
	if p.hasFrame {
		p.metrics.FrameInterval.Observe(f.Timestamp - p.lastFrameTS)
	}
	p.hasFrame = true
	p.lastFrameTS = f.Timestamp
	p.metrics.TouchedNodes.Set(float64(snap.TouchedCount()))
	p.metrics.StaleNodes.Set(float64(f.StaleCount()))

	p.notifyCallbacks(snap)
}

func (p *Pipeline) notifyCallbacks(snap Snapshot) {
	p.cbMu.RLock()
	callbacks := make([]func(Snapshot), len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(snap)
		}
	}
}

// updateCalibration publishes calibration changes to consumers and the store.
func (p *Pipeline) updateCalibration() {
	state, version := p.baseline.State(), p.baseline.Version()
	if state == p.calLast && version == p.calVersion {
		return
	}
	rebuilt := version != p.calVersion
	prev := p.calLast
	p.calLast, p.calVersion = state, version

	p.calState.Store(int32(state))
	p.metrics.CalibrationState.Set(float64(state))
	report := p.baseline.Report()
	p.calStatus.Store(CalibrationStatus{State: state, Nodes: report})

	if !rebuilt || state == calibration.Collecting {
		return
	}
	switch {
	case state == prev:
	case state == calibration.Pending:
		monitoring.Logf("Calibration pending: %d of %d nodes reported, waiting for the rest",
			len(report), len(p.cfg.Grid.Nodes()))
	default:
		fallbacks := 0
		for _, r := range report {
			if r.Fallback {
				fallbacks++
			}
		}
		monitoring.Logf("Calibration ready: %d nodes, %d from first reading", len(report), fallbacks)
	}
	p.saveBaselines(report)
}

func (p *Pipeline) saveBaselines(report []calibration.NodeReport) {
	if p.store == nil || p.session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.store.SaveBaselines(ctx, p.session, report); err != nil {
		monitoring.Logf("Pipeline: %v", err)
	}
}

// writeLoop is the only user of the sink. After cancellation it drains what
// is already queued for at most DrainTimeout.
func (p *Pipeline) writeLoop(ctx context.Context) (err error) {
	defer func() {
		if cerr := p.sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close sink: %w", cerr)
		}
	}()

	for {
		select {
		case s, ok := <-p.queue.C():
			if !ok {
				return nil
			}
			if err := p.persist(s); err != nil {
				return err
			}
		case <-ctx.Done():
			return p.drain()
		}
	}
}

func (p *Pipeline) drain() error {
	timer := time.NewTimer(p.cfg.Pipeline.DrainTimeout)
	defer timer.Stop()

	for {
		select {
		case s, ok := <-p.queue.C():
			if !ok {
				return nil
			}
			if err := p.persist(s); err != nil {
				return err
			}
		case <-timer.C:
			monitoring.Logf("Pipeline: drain timed out with %d samples queued", p.queue.Len())
			return nil
		}
	}
}

func (p *Pipeline) persist(s sample.Sample) error {
	if err := p.sink.Write(s); err != nil {
		return fmt.Errorf("failed to persist sample: %w", err)
	}
	p.persisted.Add(1)
	p.metrics.PersistedTotal.Inc()
	return nil
}

func (p *Pipeline) beginSession(ctx context.Context) {
	if p.store == nil {
		return
	}
	name := "unknown"
	if n, ok := p.port.(interface{ Name() string }); ok {
		name = n.Name()
	}
	sess, err := p.store.StartSession(ctx, name, p.cfg.Grid.Rows, p.cfg.Grid.Cols, p.start)
	if err != nil {
		monitoring.Logf("Pipeline: %v", err)
		return
	}
	p.session = sess.ID
	monitoring.Logf("Session %s started", sess.ID)
}

func (p *Pipeline) finishSession() {
	if p.store == nil || p.session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	st := p.Stats()
	sum := store.Summary{Samples: st.Samples, Frames: st.Frames, Lost: st.Lost}
	if err := p.store.FinishSession(ctx, p.session, p.now(), sum); err != nil {
		monitoring.Logf("Pipeline: %v", err)
	}
}

func (p *Pipeline) logSummary() {
	st := p.Stats()
	monitoring.Logf("Pipeline stopped after %s: %s samples, %s frames (%s partial), %s persisted, %s lost, %s discarded lines",
		p.now().Sub(st.StartedAt).Round(time.Second),
		humanize.Comma(int64(st.Samples)),
		humanize.Comma(int64(st.Frames)),
		humanize.Comma(int64(st.PartialFrames)),
		humanize.Comma(int64(st.Persisted)),
		humanize.Comma(int64(st.Lost)),
		humanize.Comma(int64(st.ParseDropped)))
}
