package main

import (
	"context"
	"encoding/json"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/san-kum/discsim/internal/collide"
	"github.com/san-kum/discsim/internal/compute"
	"github.com/san-kum/discsim/internal/config"
	"github.com/san-kum/discsim/internal/pipeline"
	"github.com/san-kum/discsim/internal/report"
	"github.com/san-kum/discsim/internal/sample"
	"github.com/san-kum/discsim/internal/storage"
)

var (
	dataDir     string
	configFile  string
	preset      string
	samples     int
	groupSize   int
	seed        uint64
	backendName string
	timeout     time.Duration
	exactGroups bool
	echo        bool
	save        bool
	summary     bool
	bins        int
)

func main() {
	defer klog.Flush()

	rootCmd := &cobra.Command{
		Use:          "discsim",
		Short:        "count random discs touching a fixed disc on a compute device",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runDispatch,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", config.DefaultDataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", config.DefaultBackend,
		fmt.Sprintf("compute backend (%s)", strings.Join(compute.Names(), ", ")))

	rootCmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	rootCmd.Flags().IntVar(&samples, "samples", config.DefaultSamples, "number of samples")
	rootCmd.Flags().IntVar(&groupSize, "group-size", config.DefaultGroupSize, "workgroup size")
	rootCmd.Flags().Uint64Var(&seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "deadline for the dispatch, 0 waits forever")
	rootCmd.Flags().BoolVar(&exactGroups, "exact-groups", false, "dispatch n/group-size groups, leaving any remainder")
	rootCmd.Flags().BoolVar(&echo, "echo", false, "print a second independent sample set")
	rootCmd.Flags().BoolVar(&save, "save", false, "persist the run under the data directory")
	rootCmd.Flags().BoolVar(&summary, "summary", false, "print a summary panel after the dispatch")

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "list compute devices",
		Args:  cobra.NoArgs,
		RunE:  listDevices,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list saved runs",
		Args:  cobra.NoArgs,
		RunE:  listRuns,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "summarize a saved run",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}
	showCmd.Flags().IntVar(&bins, "bins", 20, "radius bins in the hit rate plot")

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export run data to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportJSON,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSAMPLES\tGROUP\tTIMEOUT")
			for _, name := range config.ListPresets() {
				p := config.GetPreset(name)
				fmt.Fprintf(w, "%s\t%d\t%d\t%v\n", name, p.Samples, p.GroupSize, p.Timeout)
			}
			return w.Flush()
		},
	}

	rootCmd.AddCommand(devicesCmd, listCmd, showCmd, exportJSONCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}

// resolveConfig layers defaults, preset, config file and explicitly set flags.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, errors.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("samples") {
		cfg.Samples = samples
	}
	if flags.Changed("group-size") {
		cfg.GroupSize = groupSize
	}
	if flags.Changed("seed") {
		cfg.Seed = &seed
	}
	if flags.Changed("backend") {
		cfg.Backend = backendName
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("exact-groups") {
		cfg.ExactGroups = exactGroups
	}
	if flags.Changed("echo") {
		cfg.Echo = echo
	}
	if flags.Changed("save") {
		cfg.Save = save
	}
	if flags.Changed("data") {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	runSeed := cfg.SeedOr(seed)
	klog.V(1).Infof("config: samples=%d group_size=%d seed=%d backend=%s", cfg.Samples, cfg.GroupSize, runSeed, cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	backend, err := compute.Lookup(cfg.Backend)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	sess, err := pipeline.Acquire(backend)
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Printf("%v\n\n", sess.Devices)
	fmt.Printf("%v\n\n", sess.Family)

	gen, err := sample.NewGenerator(runSeed, cfg.Bounds.XY, cfg.Bounds.Radius)
	if err != nil {
		return err
	}
	data := gen.Generate(cfg.Samples)

	if cfg.Echo {
		echoGen, err := sample.NewGenerator(runSeed+1, cfg.Bounds.XY, cfg.Bounds.Radius)
		if err != nil {
			return err
		}
		for _, s := range echoGen.Generate(cfg.Samples) {
			fmt.Println(s)
		}
	}

	res, dispatchErr := sess.Dispatch(ctx, data, cfg.Options())
	if res == nil {
		return dispatchErr
	}
	fmt.Println(res.Sum)

	stats := report.Summarize(data, res.Flags)
	if summary {
		lines := []report.Line{
			{Label: "backend", Value: backend.Name()},
			{Label: "device", Value: res.Device.Name},
			{Label: "precision", Value: res.Precision.String()},
			{Label: "dispatch", Value: fmt.Sprintf("%d x %d", res.Groups, res.GroupSize)},
			{Label: "elapsed", Value: res.Elapsed.String()},
		}
		if err := report.Render(os.Stdout, "dispatch", lines, stats); err != nil {
			return err
		}
	}

	if cfg.Save {
		st := storage.New(cfg.DataDir)
		if err := st.Init(); err != nil {
			return err
		}
		runID, err := st.Save(storage.RunMetadata{
			Backend:   backend.Name(),
			Device:    res.Device.Name,
			Precision: res.Precision.String(),
			Seed:      runSeed,
			Radius:    cfg.Bounds.Radius,
			GroupSize: res.GroupSize,
			Groups:    res.Groups,
			Sum:       res.Sum,
			Pending:   res.Pending,
			Elapsed:   res.Elapsed,
			Stats:     stats.Map(),
		}, data, res.Flags)
		if err != nil {
			return err
		}
		fmt.Printf("run id: %s\n", runID)
	}

	if dispatchErr != nil {
		return dispatchErr
	}
	fmt.Println("Everything succeeded!")
	return nil
}

func listDevices(cmd *cobra.Command, args []string) error {
	backend, err := compute.Lookup(backendName)
	if err != nil {
		return err
	}
	defer backend.Cleanup()

	devices, err := backend.Enumerate()
	if err != nil {
		return err
	}
	fmt.Printf("backend: %s\n", backend.Name())
	for _, d := range devices {
		fmt.Printf("\n%v\n", d)
		for _, f := range d.Families {
			fmt.Printf("  %v\n", f)
		}
		fmt.Printf("  limits: workgroup size %d, workgroup count %d, memory %d bytes\n",
			d.Limits.MaxWorkgroupSize, d.Limits.MaxWorkgroupCount, d.Limits.MaxMemory)
		if len(d.Features) > 0 {
			fmt.Printf("  features: %s\n", strings.Join(d.Features, " "))
		}
	}
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tDEVICE\tPREC\tSAMPLES\tSUM\tPENDING\tELAPSED")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%v\n",
			run.ID,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Device,
			run.Precision,
			run.Samples,
			run.Sum,
			run.Pending,
			run.Elapsed,
		)
	}

	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	data, flags, err := st.LoadSamples(runID)
	if err != nil {
		return err
	}

	stats := report.Summarize(data, flags)
	lines := []report.Line{
		{Label: "backend", Value: meta.Backend},
		{Label: "device", Value: meta.Device},
		{Label: "precision", Value: meta.Precision},
		{Label: "seed", Value: fmt.Sprint(meta.Seed)},
		{Label: "dispatch", Value: fmt.Sprintf("%d x %d", meta.Groups, meta.GroupSize)},
		{Label: "sum", Value: fmt.Sprint(meta.Sum)},
		{Label: "elapsed", Value: meta.Elapsed.String()},
	}
	if err := report.Render(os.Stdout, runID, lines, stats); err != nil {
		return err
	}

	radius := meta.Radius
	if radius.Validate() != nil {
		radius = sample.DefaultRadius
	}
	rates := report.HitRateByRadius(data, flags, radius.Min, radius.Max, bins)
	caption := fmt.Sprintf("hit rate by radius, r in [%g, %g), reach %g + r", radius.Min, radius.Max, float64(collide.BaseRadius))
	if graph := report.Plot(rates, caption); graph != "" {
		fmt.Println()
		fmt.Println(graph)
	}

	return nil
}

func exportJSON(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	data, flags, err := st.LoadSamples(runID)
	if err != nil {
		return err
	}

	type record struct {
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		R    float64 `json:"r"`
		Flag int32   `json:"flag"`
	}
	out := struct {
		*storage.RunMetadata
		Records []record `json:"records"`
	}{RunMetadata: meta, Records: make([]record, len(data))}
	for i, s := range data {
		out.Records[i] = record{X: s.X, Y: s.Y, R: s.R, Flag: flags[i]}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
