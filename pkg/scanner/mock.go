package scanner

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/itohio/capgrid/pkg/config"
)

// DefaultBufferSize is the number of simulated lines buffered ahead of the reader.
const DefaultBufferSize = 1000

// Mock simulates the raster-scanning firmware for testing and development.
//
// It emits "millis,row,col,value" lines, visiting every node of the grid in
// row-major order. Every PressPeriod one node (the next one in raster order)
// is pressed for PressDuration, dropping its reading by PressDepth.
type Mock struct {
	cfg        config.MockConfig
	rows, cols int

	mu        sync.RWMutex
	lines     chan string
	done      chan struct{}
	wg        sync.WaitGroup
	connected bool

	// Simulation state, owned by the generator goroutine
	rng       *rand.Rand
	startTime time.Time
	position  int
}

// NewMock creates a simulated scanner for a rows×cols grid.
func NewMock(cfg *config.MockConfig, rows, cols int) *Mock {
	if cfg == nil {
		cfg = &config.Default().Mock
	}
	return &Mock{
		cfg:  *cfg,
		rows: rows,
		cols: cols,
	}
}

// Name identifies the simulated port in session records.
func (m *Mock) Name() string {
	return "mock"
}

// Connect starts the simulated scan. A closed mock can be connected again.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	if m.rows <= 0 || m.cols <= 0 {
		return fmt.Errorf("mock grid must have positive dimensions, got %dx%d", m.rows, m.cols)
	}

	m.connected = true
	m.lines = make(chan string, DefaultBufferSize)
	m.done = make(chan struct{})
	m.rng = rand.New(rand.NewPCG(m.cfg.Seed, m.cfg.Seed^0x9e3779b97f4a7c15))
	m.startTime = time.Now()
	m.position = 0

	m.lines <- "FDC2214 READY"

	m.wg.Add(1)
	go m.generateLines(m.lines, m.done)

	return nil
}

// Close stops the simulated scan and waits for the generator to exit.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// IsConnected returns whether the mock is currently running.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ReadLine returns the next simulated line.
func (m *Mock) ReadLine(timeout time.Duration) (string, error) {
	m.mu.RLock()
	lines, done, connected := m.lines, m.done, m.connected
	m.mu.RUnlock()
	if !connected {
		return "", ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-lines:
		return line, nil
	case <-done:
		return "", ErrNotConnected
	case <-timer.C:
		return "", ErrReadTimeout
	}
}

// generateLines produces one line per SampleInterval until done is closed.
func (m *Mock) generateLines(lines chan<- string, done <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			line := m.generateLine(now)
			select {
			case lines <- line:
			case <-done:
				return
			default:
				// Reader is behind, skip
			}
		}
	}
}

// generateLine advances the raster position and renders one reading.
func (m *Mock) generateLine(now time.Time) string {
	nodes := m.rows * m.cols
	idx := m.position % nodes
	m.position++

	elapsed := now.Sub(m.startTime)
	row, col := idx/m.cols, idx%m.cols
	value := m.cfg.Base + (m.rng.Float64()-0.5)*m.cfg.Noise
	if m.pressed(elapsed, idx) {
		value -= m.cfg.PressDepth
	}

	return fmt.Sprintf("%d,%d,%d,%d", elapsed.Milliseconds(), row, col, int64(value))
}

// pressed reports whether node idx is held down at elapsed.
func (m *Mock) pressed(elapsed time.Duration, idx int) bool {
	if m.cfg.PressPeriod <= 0 || m.cfg.PressDuration <= 0 {
		return false
	}
	cycle := int(elapsed / m.cfg.PressPeriod)
	if cycle == 0 {
		// Leave the first period untouched so calibration sees a resting grid
		return false
	}
	if elapsed%m.cfg.PressPeriod >= m.cfg.PressDuration {
		return false
	}
	return (cycle-1)%(m.rows*m.cols) == idx
}
