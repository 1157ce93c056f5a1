package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/itohio/capgrid/pkg/calibration"
	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/pipeline"
	"github.com/itohio/capgrid/pkg/sample"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type calibrateOptions struct {
	*rootOptions
	Window time.Duration
	Settle time.Duration
	Nodes  []string
	Output string
}

func newCalibrateCommand(root *rootOptions) *cobra.Command {
	opts := &calibrateOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Record the peak touch delta of each node",
		Long: `Walk the operator through pressing every node in turn and record the
largest tracker delta seen for it. The resulting peak table scales live
touch deltas into a 0..1 intensity.

Each node is reset and left untouched for the settle time, then pressed and
held for the recording window. Existing peaks for other nodes are kept.

Example:
  capgrid calibrate -p /dev/ttyACM0 --window 3s
  capgrid calibrate --nodes 0,0 --nodes 0,1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.Output != "" {
				cfg.Output.PeaksFile = opts.Output
			}
			nodes, err := opts.targets(cfg)
			if err != nil {
				return err
			}
			return runCalibration(cmd.Context(), cfg, opts, nodes, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&opts.Window, "window", 3*time.Second, "How long each node is pressed")
	cmd.Flags().DurationVar(&opts.Settle, "settle", 2*time.Second, "Untouched time after resetting a node")
	cmd.Flags().StringArrayVar(&opts.Nodes, "nodes", nil, "Nodes to calibrate as row,col (default: all configured nodes)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Peak table file override")

	return cmd
}

func (o *calibrateOptions) targets(cfg *config.Config) ([]sample.NodeKey, error) {
	if len(o.Nodes) == 0 {
		return cfg.Grid.Nodes(), nil
	}
	nodes := make([]sample.NodeKey, 0, len(o.Nodes))
	for _, s := range o.Nodes {
		k, err := sample.ParseKey(s)
		if err != nil {
			return nil, err
		}
		if !k.In(cfg.Grid.Rows, cfg.Grid.Cols) {
			return nil, fmt.Errorf("node %s is outside the %dx%d grid", k, cfg.Grid.Rows, cfg.Grid.Cols)
		}
		nodes = append(nodes, k)
	}
	return nodes, nil
}

func runCalibration(ctx context.Context, cfg *config.Config, opts *calibrateOptions, nodes []sample.NodeKey, out io.Writer) error {
	if cfg.Output.PeaksFile == "" {
		return errors.New("no peaks file configured")
	}
	peaks, err := calibration.LoadPeaks(cfg.Output.PeaksFile)
	if err != nil {
		return err
	}

	p := pipeline.New(cfg, opts.openPort(cfg), discardSink{})
	frames := make(chan pipeline.Snapshot, 64)
	p.OnFrame(func(snap pipeline.Snapshot) {
		select {
		case frames <- snap:
		default:
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		defer stop()
		r := &peakSession{
			cells:  p,
			frames: frames,
			settle: opts.Settle,
			window: opts.Window,
			out:    out,
		}
		if err := r.waitReady(gctx); err != nil {
			return err
		}
		return r.record(gctx, nodes, peaks)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := peaks.Save(cfg.Output.PeaksFile); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %d peaks to %s\n", len(peaks), cfg.Output.PeaksFile)
	return nil
}

// cellResetter is the control surface the peak session needs.
type cellResetter interface {
	ResetCell(row, col uint32) error
}

// peakSession drives the guided press sequence over a stream of snapshots.
type peakSession struct {
	cells  cellResetter
	frames <-chan pipeline.Snapshot
	settle time.Duration
	window time.Duration
	out    io.Writer
}

func (s *peakSession) waitReady(ctx context.Context) error {
	fmt.Fprintln(s.out, "Calibrating baselines, do not touch the sensor...")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-s.frames:
			if snap.Calibration == calibration.Ready {
				return nil
			}
		}
	}
}

// record fills peaks for every node that reported during its window. Nodes
// that never reported keep their previous peak.
func (s *peakSession) record(ctx context.Context, nodes []sample.NodeKey, peaks calibration.Peaks) error {
	for i, k := range nodes {
		if err := s.cells.ResetCell(k.Row, k.Col); err != nil {
			monitoring.Logf("Failed to reset %s before calibration: %v", k, err)
		}

		fmt.Fprintf(s.out, "[%d/%d] Release %s\n", i+1, len(nodes), k)
		if err := s.drain(ctx, s.settle, nil); err != nil {
			return err
		}

		fmt.Fprintf(s.out, "[%d/%d] Press and hold %s\n", i+1, len(nodes), k)
		rec := calibration.NewPeakRecorder(k)
		if err := s.drain(ctx, s.window, rec); err != nil {
			return err
		}

		if rec.Seen() == 0 {
			monitoring.Logf("No readings for %s, keeping previous peak", k)
			continue
		}
		peaks[k] = rec.Peak()
		fmt.Fprintf(s.out, "       peak %s = %.0f\n", k, rec.Peak())
	}
	return nil
}

// drain consumes snapshots for d, feeding rec when it is not nil.
func (s *peakSession) drain(ctx context.Context, d time.Duration, rec *calibration.PeakRecorder) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case snap := <-s.frames:
			if rec != nil {
				observe(rec, snap)
			}
		}
	}
}

func observe(rec *calibration.PeakRecorder, snap pipeline.Snapshot) {
	if snap.Frame == nil {
		return
	}
	k := rec.Target()
	if !k.In(snap.Frame.Rows, snap.Frame.Cols) {
		return
	}
	i := k.Index(snap.Frame.Cols)
	if i >= len(snap.Touch) || (i < len(snap.Frame.Stale) && snap.Frame.Stale[i]) {
		return
	}
	rec.Observe(k, snap.Touch[i].Delta)
}

// discardSink drops samples; calibration does not log to CSV.
type discardSink struct{}

func (discardSink) Write(sample.Sample) error { return nil }
func (discardSink) Close() error { return nil }
