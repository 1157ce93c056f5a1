package main

import (
	"fmt"

	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/scanner"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	ConfigPath string
	Port       string
	Mock       bool
	Quiet      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "capgrid",
		Short:         "Capacitive touch grid acquisition",
		Long:          "Reads a capacitive sensor grid over serial, calibrates per-node baselines and publishes touch frames.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.Quiet {
				monitoring.SetLogger(nil)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "Configuration file path")
	cmd.PersistentFlags().StringVarP(&opts.Port, "port", "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	cmd.PersistentFlags().BoolVar(&opts.Mock, "mock", false, "Use a simulated grid instead of the serial port")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Suppress diagnostic logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCalibrateCommand(opts))
	cmd.AddCommand(newPortsCommand())
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newSessionsCommand(opts))

	return cmd
}

// loadConfig reads the configuration file and applies the global overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Port != "" {
		cfg.Serial.Port = o.Port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openPort returns the sample source selected by the flags. The port is not
// connected yet; the pipeline does that.
func (o *rootOptions) openPort(cfg *config.Config) scanner.Port {
	if o.Mock {
		return scanner.NewMock(&cfg.Mock, cfg.Grid.Rows, cfg.Grid.Cols)
	}
	return scanner.New(cfg.Serial.Port, cfg.Serial.BaudRate, nil)
}
