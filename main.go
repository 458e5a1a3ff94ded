package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line into the App.
type AppOptions struct {
	ConfigFile   string
	DataDir      string
	MetaFile     string
	ManifestFile string
	DeviceID     string
	PlateType    string
	OutputFile   string
	Stage        string
	TopN         int
	SortBy       string
	MinDevices   int
	CoefKey      string
	Sweep        string
	HTTPPort     int
	Publish      bool
}

// Application is the set of run modes main dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunAnalyze(csvPath string) error
	RunCompare(baselinePath, selectedPath string) error
	RunBias() error
	RunBatch() error
	RunRank(plateType string) error
	RunCoef(plateType string) error
	RunGain(paths []string) error
	RunEstimate(pointsPath string) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("thermoplate", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file (defaults are used if missing)")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Override storage.dataDir for bias maps and rollup logs")
	fs.StringVar(&opts.MetaFile, "meta", "", "Test metadata JSON for --analyze and --compare")
	fs.StringVar(&opts.ManifestFile, "manifest", "", "Batch manifest YAML for --bias and --batch")
	fs.StringVar(&opts.DeviceID, "device", "", "Restrict --bias to one device id")
	fs.StringVar(&opts.PlateType, "plate", "", "Plate type for --batch (default: manifest plateType)")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file: heatmap (.png/.svg) or gain rows CSV")
	fs.StringVar(&opts.Stage, "stage", "db", "Stage for heatmaps: db or bw")
	fs.IntVar(&opts.TopN, "top", 3, "Number of ranked coefficient sets to show (0 = all)")
	fs.StringVar(&opts.SortBy, "sort", "mean_abs", "Ranking order: mean_abs or signed")
	fs.IntVar(&opts.MinDevices, "min-devices", 0, "Minimum eligible devices per coefficient set (0: 2 for --rank, 1 for --coef)")
	fs.StringVar(&opts.CoefKey, "key", "", "Coefficient key for --coef")
	fs.StringVar(&opts.Sweep, "sweep", "", "Coefficient sweep for --gain: start:stop:step or comma list")
	fs.IntVar(&opts.HTTPPort, "port", 8080, "HTTP server port")
	fs.BoolVar(&opts.Publish, "publish", false, "Publish bias summaries and rankings to MQTT")

	analyze := fs.String("analyze", "", "Analyze one recording CSV")
	compare := fs.String("compare", "", "Compare processed runs: BASELINE.csv,SELECTED.csv")
	bias := fs.Bool("bias", false, "Compute bias maps for the manifest devices")
	batch := fs.Bool("batch", false, "Evaluate manifest coefficient sets and append to the rollup log")
	rank := fs.String("rank", "", "Rank coefficient sets for a plate type")
	coef := fs.String("coef", "", "Score one coefficient set (--key) for a plate type")
	gain := fs.String("gain", "", "Comma-separated discrete recordings for a gain sweep")
	estimate := fs.String("estimate", "", "Estimate a temperature coefficient from a temp_f,value CSV")
	httpMode := fs.Bool("http", false, "Serve persisted results over HTTP")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "thermoplate version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case *analyze != "":
		return app.RunAnalyze(*analyze)
	case *compare != "":
		parts := strings.Split(*compare, ",")
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return fmt.Errorf("--compare wants BASELINE.csv,SELECTED.csv")
		}
		return app.RunCompare(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	case *bias:
		return app.RunBias()
	case *batch:
		return app.RunBatch()
	case *rank != "":
		return app.RunRank(*rank)
	case *coef != "":
		return app.RunCoef(*coef)
	case *gain != "":
		return app.RunGain(splitList(*gain))
	case *estimate != "":
		return app.RunEstimate(*estimate)
	case *httpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "Use --analyze=FILE --meta=META to analyze a recording")
	fmt.Fprintln(out, "Use --compare=BASELINE,SELECTED --meta=META to compare processed runs")
	fmt.Fprintln(out, "Use --bias --manifest=FILE to compute bias maps")
	fmt.Fprintln(out, "Use --batch --manifest=FILE to evaluate coefficient sets")
	fmt.Fprintln(out, "Use --rank=PLATE to rank coefficient sets")
	fmt.Fprintln(out, "Use --coef=PLATE --key=KEY to score one coefficient set")
	fmt.Fprintln(out, "Use --gain=FILES --sweep=SPEC to run a gain sweep")
	fmt.Fprintln(out, "Use --estimate=FILE to estimate a temperature coefficient")
	fmt.Fprintln(out, "Use --http to serve results")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
