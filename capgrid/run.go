package main

import (
	"context"
	"fmt"
	"time"

	"github.com/itohio/capgrid/pkg/api"
	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/csvlog"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/pipeline"
	"github.com/itohio/capgrid/pkg/publish"
	"github.com/itohio/capgrid/pkg/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	*rootOptions
	Listen string
	Broker string
	Output string
	DB     string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire samples, log them to CSV and serve touch frames",
		Long: `Connect to the scanner, calibrate baselines and stream samples to a
timestamped CSV file until interrupted.

Frames are served over HTTP when a listen address is configured and pushed to
MQTT when a broker is configured.

Example:
  capgrid run -p /dev/ttyACM0
  capgrid run --mock --listen :8080 --broker tcp://localhost:1883`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cfg)
			return runAcquisition(cmd.Context(), cfg, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address override (empty keeps the config value)")
	cmd.Flags().StringVar(&opts.Broker, "broker", "", "MQTT broker URL override")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "CSV output directory override")
	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite session database override")

	return cmd
}

func (o *runOptions) apply(cfg *config.Config) {
	if o.Listen != "" {
		cfg.HTTP.Listen = o.Listen
	}
	if o.Broker != "" {
		cfg.MQTT.Broker = o.Broker
	}
	if o.Output != "" {
		cfg.Output.Dir = o.Output
	}
	if o.DB != "" {
		cfg.Store.Path = o.DB
	}
}

func runAcquisition(ctx context.Context, cfg *config.Config, opts *runOptions, cmd *cobra.Command) error {
	sink, err := csvlog.Create(cfg.Output.Dir, cfg.Output.UnitScale, time.Now())
	if err != nil {
		return err
	}
	monitoring.Logf("Logging samples to %s", sink.Path())

	pipeOpts, st, err := pipelineOptions(cfg)
	if err != nil {
		_ = sink.Close()
		return err
	}
	if st != nil {
		defer closeStore(st)
	}

	var client publish.Client
	if cfg.MQTT.Broker != "" {
		if client, err = publish.Dial(cfg.MQTT); err != nil {
			_ = sink.Close()
			return err
		}
	}

	p := pipeline.New(cfg, opts.openPort(cfg), sink, pipeOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	if cfg.HTTP.Listen != "" {
		h := api.NewHandlers(p, p.Registry())
		if st != nil {
			h.WithHistory(st)
		}
		router := api.NewRouter(h)
		g.Go(func() error { return api.Serve(gctx, cfg.HTTP.Listen, router) })
	}

	if client != nil {
		pub := publish.New(client, p, cfg.MQTT)
		monitoring.Logf("Publishing frames to %s on %s", cfg.MQTT.Broker, pub.Topic())
		g.Go(func() error { return pub.Run(gctx) })
	}

	err = g.Wait()
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d samples to %s\n", sink.Rows(), sink.Path())
	return err
}

// pipelineOptions opens the optional session store and peak table. The
// caller closes the returned store when it is not nil.
func pipelineOptions(cfg *config.Config) ([]pipeline.Option, *store.Store, error) {
	var opts []pipeline.Option

	if cfg.Output.PeaksFile != "" {
		peaks, err := calibration.LoadPeaks(cfg.Output.PeaksFile)
		if err != nil {
			return nil, nil, err
		}
		if len(peaks) > 0 {
			monitoring.Logf("Loaded %d node peaks from %s", len(peaks), cfg.Output.PeaksFile)
		}
		opts = append(opts, pipeline.WithPeaks(peaks))
	}

	if cfg.Store.Path == "" {
		return opts, nil, nil
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return append(opts, pipeline.WithStore(st)), st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		monitoring.Logf("Error closing session store: %v", err)
	}
}
