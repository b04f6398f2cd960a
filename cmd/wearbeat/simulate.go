package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearbeat/internal/gatt/memstack"
	"github.com/srg/wearbeat/internal/gattdb"
	"github.com/srg/wearbeat/internal/telemetry"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate [script.lua]",
	Short: "Drive the publisher from a Lua sensor script",
	Long: `Runs the full publishing pipeline with a Lua script standing in for the GPS
receiver and the heart-rate monitor. Without a script the embedded walk is used.

The script sees these functions:
  emit_hrm(bpm, confidence)      deliver a heart-rate sample (confidence 0-100)
  emit_fix(lat, lon [, fix])     deliver a GPS fix; nil coordinates are "unknown"
  sleep(ms)                      wait, returning early when the simulation stops
  running()                      false once the simulation is stopping
  log(...)                       log at info level

The in-memory stack is used unless --backend is given; a summary of what was
notified is printed when the script ends or --duration elapses.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSimulate,
}

func init() {
	addPipelineFlags(simulateCmd)
	simulateCmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until the script ends or Ctrl+C)")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Stack.Backend = "memory"
	cfg.GPS.Source = "script"
	cfg.HRM.Source = "script"
	cfg.GPS.PowerPin = ""
	cfg.Script.Path = ""
	if len(args) == 1 {
		cfg.Script.Path = args[0]
	}
	applyFlags(cmd, cfg)

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	p, err := startPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	started := time.Now()
	err = p.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printSummary(cmd.OutOrStdout(), p, time.Since(started))
	return nil
}

// printSummary reports router counters and, for the in-memory stack, what
// each characteristic was notified with.
func printSummary(w io.Writer, p *pipeline, elapsed time.Duration) {
	st := p.Stats()
	fmt.Fprintf(w, "Simulation finished after %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  fixes: %d (%d locked)\n", st.Router.Fixes, st.Router.LockedFixes)
	fmt.Fprintf(w, "  samples: %d (%d before the first lock)\n", st.Router.Samples, st.Router.DroppedSamples)
	fmt.Fprintf(w, "  publishes: %d\n", st.Router.Publishes)
	fmt.Fprintf(w, "  stack errors: %d (%d recoveries)\n", st.Errors.Handled, st.Errors.Recoveries)

	mem, ok := p.stack.(*memstack.Stack)
	if !ok {
		return
	}
	fmt.Fprintln(w, "Notifications:")
	for _, svc := range telemetry.ServiceTree().Services() {
		for _, c := range svc.Characteristics {
			count, last := mem.Notified(svc.UUID, c.UUID)
			if count == 0 {
				continue
			}
			fmt.Fprintf(w, "  %s %s: %d, last %s", c.UUID, gattdb.LookupCharacteristic(c.UUID.String()), count, hex.EncodeToString(last))
			if decoded, err := telemetry.DecodeValue(c.UUID, last); err == nil {
				fmt.Fprintf(w, " %s", describe(decoded))
			}
			fmt.Fprintln(w)
		}
	}
}
