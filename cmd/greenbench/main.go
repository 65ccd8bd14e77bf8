package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gaissa/greenbench/pkg/collector"
	"github.com/gaissa/greenbench/pkg/config"
	"github.com/gaissa/greenbench/pkg/energy"
)

type opts struct {
	configPath string

	repetitions int
	wrap        string
	outPath     string
	country     string
	instanceID  string
	runner      string
	interpreter string

	duration float64
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "greenbench",
		Short: "Energy and carbon benchmarking for test-suite executions",
		Long: `greenbench runs a command (typically a test suite) under full energy
instrumentation: CPU package energy via an EnergiBridge-style tool, GPU
telemetry via NVML, CPU/RAM utilization sampling, and optionally wall power
from a NETIO networked wattmeter. It derives carbon emissions from the grid
intensity of the configured country and persists per-repetition records plus
cross-repetition aggregates as JSON.

Examples:
  greenbench measure --repetitions 5 --out results.json "tests/unit"
  greenbench measure --wrap never "python -m unittest discover"
  greenbench baseline --duration 30`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "YAML config file (defaults apply when omitted)")

	measure := &cobra.Command{
		Use:   "measure [flags] -- COMMAND",
		Short: "Measure the energy cost of running a command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeasure(cmd.Context(), o, strings.Join(args, " "))
		},
	}
	measure.Flags().IntVarP(&o.repetitions, "repetitions", "r", 0, "repetitions (0 = use config)")
	measure.Flags().StringVar(&o.wrap, "wrap", "auto", "wrap command with the test runner: auto, always or never")
	measure.Flags().StringVarP(&o.outPath, "out", "o", "results.json", "output JSON file")
	measure.Flags().StringVar(&o.country, "country", "", "ISO-3 country code for grid carbon intensity")
	measure.Flags().StringVar(&o.instanceID, "instance", "", "instance identifier (random UUID when empty)")
	measure.Flags().StringVar(&o.runner, "runner", "", "test runner used for wrapping (default pytest)")
	measure.Flags().StringVar(&o.interpreter, "interpreter", "", "interpreter path; wrapped commands become '<interpreter> -m <runner> ...'")

	baseline := &cobra.Command{
		Use:   "baseline",
		Short: "Measure idle draw with no workload running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBaseline(cmd.Context(), o)
		},
	}
	baseline.Flags().Float64VarP(&o.duration, "duration", "d", 0, "baseline window in seconds (0 = use config)")
	baseline.Flags().StringVar(&o.country, "country", "", "ISO-3 country code for grid carbon intensity")

	root.AddCommand(measure, baseline)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newCollector(o opts) (*collector.Collector, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.repetitions > 0 {
		cfg.Measurement.Repetitions = o.repetitions
	}
	if o.duration > 0 {
		cfg.Measurement.BaselineDurationSec = o.duration
	}

	var gsmmOpts []energy.Option
	if o.runner != "" {
		gsmmOpts = append(gsmmOpts, energy.WithRunner(o.runner))
	}
	if o.interpreter != "" {
		gsmmOpts = append(gsmmOpts, energy.WithInterpreter(o.interpreter))
	}
	return collector.New(o.instanceID, o.country, cfg, collector.WithGSMMOptions(gsmmOpts...))
}

func runMeasure(ctx context.Context, o opts, command string) error {
	mode, err := energy.ParseWrapMode(o.wrap)
	if err != nil {
		return err
	}

	col, err := newCollector(o)
	if err != nil {
		return err
	}
	defer col.Close()

	records, err := col.MeasureTestExecution(ctx, command, mode)
	if err != nil {
		return err
	}
	if err := col.SaveResults(o.outPath, records); err != nil {
		return err
	}

	printSummary(records, col.Metadata())
	return nil
}

func runBaseline(ctx context.Context, o opts) error {
	col, err := newCollector(o)
	if err != nil {
		return err
	}
	defer col.Close()

	rec, err := col.MeasureBaseline(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("baseline:")
	printRecord(rec)
	return nil
}

func printSummary(records []energy.Record, meta collector.Metadata) {
	agg := collector.Aggregate(records)

	fmt.Println()
	fmt.Printf("greenbench summary (instance %s, %d repetitions, grid %.0f gCO2e/kWh):\n",
		meta.InstanceID, len(records), meta.GridIntensity)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tMEAN\tSTD\tMIN\tMAX")

	keys := make([]string, 0, len(agg)/4)
	for k := range agg {
		if base, ok := strings.CutSuffix(k, "_mean"); ok {
			keys = append(keys, base)
		}
	}
	sort.Strings(keys)
	for _, base := range keys {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f\n",
			base, agg[base+"_mean"], agg[base+"_std"], agg[base+"_min"], agg[base+"_max"])
	}
	tw.Flush()
}

func printRecord(rec energy.Record) {
	fields := rec.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%.4f\n", k, fields[k])
	}
	tw.Flush()
}
