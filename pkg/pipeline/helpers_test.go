package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/frame"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/itohio/capgrid/pkg/scanner"
)

func init() {
	monitoring.SetLogger(nil)
}

func testConfig(rows, cols int) *config.Config {
	cfg := config.Default()
	cfg.Grid.Rows = rows
	cfg.Grid.Cols = cols
	cfg.Serial.ReadTimeout = 5 * time.Millisecond
	cfg.Calibration = calibration.Config{SamplesPerNode: 2}
	cfg.Frame = frame.Config{}
	cfg.Pipeline.QueueSize = 64
	cfg.Pipeline.PushTimeout = 10 * time.Millisecond
	cfg.Pipeline.DrainTimeout = time.Second
	cfg.Pipeline.ReconnectAttempts = 0
	cfg.Pipeline.ReconnectBackoff = time.Millisecond
	return cfg
}

type step struct {
	line string
	err  error
}

// scriptPort delivers queued lines and errors, timing out when idle.
type scriptPort struct {
	steps chan step

	mu          sync.Mutex
	connected   bool
	connects    int
	closes      int
	connectErrs []error
}

func newScriptPort(connectErrs ...error) *scriptPort {
	return &scriptPort{steps: make(chan step, 1024), connectErrs: connectErrs}
}

func (p *scriptPort) send(lines ...string) {
	for _, l := range lines {
		p.steps <- step{line: l}
	}
}

// raster sends one full scan of a rows×cols grid with value v, except for
// overrides.
func (p *scriptPort) raster(rows, cols int, v int64, overrides map[sample.NodeKey]int64) {
	for _, k := range sample.GridKeys(rows, cols) {
		val := v
		if o, ok := overrides[k]; ok {
			val = o
		}
		p.send(fmt.Sprintf("%d,%d,%d", k.Row, k.Col, val))
	}
}

func (p *scriptPort) fail(err error) {
	p.steps <- step{err: err}
}

func (p *scriptPort) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if len(p.connectErrs) > 0 {
		err := p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	p.connected = true
	return nil
}

func (p *scriptPort) ReadLine(timeout time.Duration) (string, error) {
	if !p.IsConnected() {
		return "", scanner.ErrNotConnected
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-p.steps:
		if s.err != nil {
			return "", s.err
		}
		return s.line, nil
	case <-timer.C:
		return "", scanner.ErrReadTimeout
	}
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	p.connected = false
	return nil
}

func (p *scriptPort) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *scriptPort) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// memSink records samples. When block is set, Write waits for it to close.
type memSink struct {
	block chan struct{}

	mu      sync.Mutex
	samples []sample.Sample
	closes  int
	err     error
}

func (s *memSink) Write(smp sample.Sample) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, smp)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *memSink) written() []sample.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sample.Sample(nil), s.samples...)
}

func (s *memSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// slowSink takes delay per sample.
type slowSink struct {
	delay time.Duration
}

func (s *slowSink) Write(sample.Sample) error {
	time.Sleep(s.delay)
	return nil
}

func (s *slowSink) Close() error { return nil }
