package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/delta"
	"github.com/itohio/capgrid/pkg/frame"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/itohio/capgrid/pkg/touch"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig       `yaml:"serial"`
	Grid        GridConfig         `yaml:"grid"`
	Tracker     touch.Config       `yaml:"tracker"`
	Calibration calibration.Config `yaml:"calibration"`
	Frame       frame.Config       `yaml:"frame"`
	Normalize   delta.Config       `yaml:"normalize"`
	Pipeline    PipelineConfig     `yaml:"pipeline"`
	Output      OutputConfig       `yaml:"output"`
	Store       StoreConfig        `yaml:"store"`
	HTTP        HTTPConfig         `yaml:"http"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	Mock        MockConfig         `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	Format      string        `yaml:"format"`       // auto, csv or rowcol
	ReadTimeout time.Duration `yaml:"read_timeout"` // Upper bound of a single line read
}

// GridConfig describes the electrode matrix.
type GridConfig struct {
	Rows   int      `yaml:"rows"`
	Cols   int      `yaml:"cols"`
	Active []string `yaml:"active"` // "row,col" keys that must report for a frame; empty = whole grid
}

// PipelineConfig bounds the acquisition queues and retries.
type PipelineConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	PushTimeout       time.Duration `yaml:"push_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"` // 0 disables reconnecting
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`  // First backoff, doubled per attempt
}

// OutputConfig controls the CSV log.
type OutputConfig struct {
	Dir       string  `yaml:"dir"`
	UnitScale float64 `yaml:"unit_scale"` // Raw count to pF factor; 0 logs raw counts
	PeaksFile string  `yaml:"peaks_file"`
}

// StoreConfig locates the session database. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the snapshot API. An empty address disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig configures the live frame feed. An empty broker disables it.
type MQTTConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	QoS      byte          `yaml:"qos"`
	Interval time.Duration `yaml:"interval"` // Snapshot polling period
}

// MockConfig contains simulated scanner configuration.
type MockConfig struct {
	Base           float64       `yaml:"base"`            // Resting raw count
	Noise          float64       `yaml:"noise"`           // Peak-to-peak noise in raw counts
	PressDepth     float64       `yaml:"press_depth"`     // Raw count drop while pressed
	PressDuration  time.Duration `yaml:"press_duration"`  // How long a press lasts
	PressPeriod    time.Duration `yaml:"press_period"`    // Time between presses; each press moves to the next node
	SampleInterval time.Duration `yaml:"sample_interval"` // Time between two lines
	Seed           uint64        `yaml:"seed"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "/dev/ttyACM0", // "COM3" on Windows
			BaudRate:    115200,
			Format:      "auto",
			ReadTimeout: time.Second,
		},
		Grid: GridConfig{
			Rows: 8,
			Cols: 8,
		},
		Tracker: touch.DefaultConfig(),
		Calibration: calibration.Config{
			Duration:       3 * time.Second,
			SamplesPerNode: 0,
		},
		Frame: frame.Config{
			MaxSamples: 0, // 4×expected nodes
			MaxAge:     2 * time.Second,
		},
		Normalize: delta.DefaultConfig(),
		Pipeline: PipelineConfig{
			QueueSize:         4096,
			PushTimeout:       10 * time.Millisecond,
			DrainTimeout:      2 * time.Second,
			ReconnectAttempts: 3,
			ReconnectBackoff:  500 * time.Millisecond,
		},
		Output: OutputConfig{
			Dir:       "data",
			UnitScale: 0,
			PeaksFile: "peaks.yaml",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		MQTT: MQTTConfig{
			ClientID: "capgrid",
			Topic:    "capgrid",
			QoS:      0,
			Interval: 50 * time.Millisecond,
		},
		Mock: MockConfig{
			Base:           1500000,
			Noise:          400,
			PressDepth:     120000,
			PressDuration:  time.Second,
			PressPeriod:    3 * time.Second,
			SampleInterval: time.Millisecond, // 64 nodes at ~15 frames per second
			Seed:           1,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Grid.Rows <= 0 || c.Grid.Cols <= 0 {
		return fmt.Errorf("grid must have positive dimensions, got %dx%d", c.Grid.Rows, c.Grid.Cols)
	}
	if _, err := c.Grid.ActiveKeys(); err != nil {
		return err
	}
	if err := c.Tracker.Check(); err != nil {
		return fmt.Errorf("invalid tracker config: %w", err)
	}
	if c.Calibration.Duration <= 0 && c.Calibration.SamplesPerNode <= 0 {
		return fmt.Errorf("calibration needs a duration or samples_per_node")
	}
	if c.Normalize.Clamp && c.Normalize.ClampMin >= c.Normalize.ClampMax {
		return fmt.Errorf("normalize clamp_min (%g) must be below clamp_max (%g)", c.Normalize.ClampMin, c.Normalize.ClampMax)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.ReconnectAttempts < 0 {
		return fmt.Errorf("pipeline reconnect_attempts must not be negative, got %d", c.Pipeline.ReconnectAttempts)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// ActiveKeys parses the active node list. A nil result means the whole grid.
func (g GridConfig) ActiveKeys() ([]sample.NodeKey, error) {
	if len(g.Active) == 0 {
		return nil, nil
	}
	keys := make([]sample.NodeKey, 0, len(g.Active))
	for _, s := range g.Active {
		k, err := sample.ParseKey(s)
		if err != nil {
			return nil, fmt.Errorf("invalid active node %q: %w", s, err)
		}
		if !k.In(g.Rows, g.Cols) {
			return nil, fmt.Errorf("active node %s is outside the %dx%d grid", k, g.Rows, g.Cols)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Nodes returns the nodes that calibration and frame assembly wait for.
func (g GridConfig) Nodes() []sample.NodeKey {
	keys, err := g.ActiveKeys()
	if err != nil || keys == nil {
		return sample.GridKeys(g.Rows, g.Cols)
	}
	return keys
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.Format == "" {
		c.Serial.Format = def.Serial.Format
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}

	// Grid dimensions are left alone: Load unmarshals over Default, so a zero
	// here was written explicitly and Validate rejects it.

	if c.Tracker.AlphaBaseline == 0 {
		c.Tracker.AlphaBaseline = def.Tracker.AlphaBaseline
	}
	if c.Tracker.PressDip == 0 {
		c.Tracker.PressDip = def.Tracker.PressDip
	}
	if c.Tracker.ReleaseBand == 0 {
		c.Tracker.ReleaseBand = def.Tracker.ReleaseBand
	}
	if c.Tracker.Window == 0 {
		c.Tracker.Window = def.Tracker.Window
	}
	if c.Tracker.DeltaDecay == 0 {
		c.Tracker.DeltaDecay = def.Tracker.DeltaDecay
	}

	if c.Calibration.Duration == 0 && c.Calibration.SamplesPerNode == 0 {
		c.Calibration.Duration = def.Calibration.Duration
	}

	if c.Normalize.ClampMin == 0 && c.Normalize.ClampMax == 0 {
		c.Normalize.ClampMin = def.Normalize.ClampMin
		c.Normalize.ClampMax = def.Normalize.ClampMax
	}

	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = def.Pipeline.QueueSize
	}
	if c.Pipeline.PushTimeout == 0 {
		c.Pipeline.PushTimeout = def.Pipeline.PushTimeout
	}
	if c.Pipeline.DrainTimeout == 0 {
		c.Pipeline.DrainTimeout = def.Pipeline.DrainTimeout
	}
	if c.Pipeline.ReconnectBackoff == 0 {
		c.Pipeline.ReconnectBackoff = def.Pipeline.ReconnectBackoff
	}

	if c.Output.Dir == "" {
		c.Output.Dir = def.Output.Dir
	}
	if c.Output.PeaksFile == "" {
		c.Output.PeaksFile = def.Output.PeaksFile
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.MQTT.Interval == 0 {
		c.MQTT.Interval = def.MQTT.Interval
	}

	if c.Mock.Base == 0 {
		c.Mock.Base = def.Mock.Base
	}
	if c.Mock.PressDepth == 0 {
		c.Mock.PressDepth = def.Mock.PressDepth
	}
	if c.Mock.PressDuration == 0 {
		c.Mock.PressDuration = def.Mock.PressDuration
	}
	if c.Mock.PressPeriod == 0 {
		c.Mock.PressPeriod = def.Mock.PressPeriod
	}
	if c.Mock.SampleInterval == 0 {
		c.Mock.SampleInterval = def.Mock.SampleInterval
	}
}
