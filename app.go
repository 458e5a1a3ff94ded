package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/thermoplate/thermo"
)

// App encapsulates the application state and dependencies
type App struct {
	Config    *thermo.Config
	Store     *thermo.ResultStore
	Processor thermo.Processor
	Runner    *thermo.BatchRunner
	Publisher *thermo.ResultPublisher

	mqttClient mqtt.Client
	opts       AppOptions
	out        io.Writer
}

// NewApp creates a new App writing reports to out
func NewApp(out io.Writer) *App {
	return &App{out: out}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// setup loads the configuration and builds the store, processor and runner.
// Components already set (by tests) are kept.
func (a *App) setup() error {
	if a.Config == nil {
		cfg, err := loadConfig(a.opts.ConfigFile)
		if err != nil {
			return err
		}
		a.Config = cfg
	}
	if a.opts.DataDir != "" {
		a.Config.Storage.DataDir = a.opts.DataDir
	}
	if a.Store == nil {
		a.Store = thermo.NewResultStore(a.Config.Storage.DataDir)
	}
	if a.Processor == nil {
		a.Processor = thermo.NewProcessor(a.Config.Service)
	}
	if a.Runner == nil {
		a.Runner = thermo.NewBatchRunner(a.Config, a.Processor, a.Store)
	}
	if a.opts.Publish && a.Publisher == nil {
		client, err := thermo.NewMQTTClient(a.Config.MQTT)
		if err != nil {
			log.Printf("[MQTT] publishing disabled: %v", err)
		} else if client != nil {
			a.mqttClient = client
			a.Publisher = thermo.NewConfiguredPublisher(client, a.Config.MQTT)
		}
	}
	return nil
}

// loadConfig reads path, falling back to the built-in defaults when the
// file does not exist.
func loadConfig(path string) (*thermo.Config, error) {
	if path == "" {
		return thermo.DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Config %s not found, using defaults", path)
		return thermo.DefaultConfig(), nil
	}
	cfg, err := thermo.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log.Printf("Loaded config from %s", path)
	return cfg, nil
}

func (a *App) close() {
	if a.mqttClient != nil && a.mqttClient.IsConnected() {
		a.mqttClient.Disconnect(250)
	}
}

func (a *App) metadata() (thermo.TestMetadata, error) {
	if a.opts.MetaFile == "" {
		return thermo.TestMetadata{}, fmt.Errorf("--meta is required")
	}
	return thermo.LoadMetadata(a.opts.MetaFile)
}

func (a *App) stage() (thermo.StageKey, error) {
	key, ok := thermo.ParseStageKey(a.opts.Stage)
	if !ok {
		return "", fmt.Errorf("unknown stage %q", a.opts.Stage)
	}
	return key, nil
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *App) manifest() (*thermo.BatchManifest, error) {
	if a.opts.ManifestFile == "" {
		return nil, fmt.Errorf("--manifest is required")
	}
	return thermo.LoadBatchManifest(a.opts.ManifestFile)
}

func (a *App) rankOptions() thermo.RankOptions {
	return thermo.RankOptions{
		MinDevices: a.opts.MinDevices,
		SortBy:     a.opts.SortBy,
		TopN:       a.opts.TopN,
	}
}

// analysisReport is what --analyze prints.
type analysisReport struct {
	Grid     thermo.GridInfo     `json:"grid"`
	Analysis *thermo.RunAnalysis `json:"analysis"`
	Scores   thermo.Scores       `json:"scores"`
	Biased   bool                `json:"bias_controlled"`
}

// RunAnalyze analyzes one recording and scores it against the device's
// stored bias map when there is one.
func (a *App) RunAnalyze(csvPath string) error {
	if err := a.setup(); err != nil {
		return err
	}
	meta, err := a.metadata()
	if err != nil {
		return err
	}
	ra, grid, err := thermo.AnalyzeRecording(csvPath, meta, a.Config)
	if err != nil {
		return err
	}
	bm, err := a.Store.Bias(meta.DeviceID)
	if err != nil {
		log.Printf("[analyze] ignoring bias map for %s: %v", meta.DeviceID, err)
		bm = nil
	}
	if bm != nil && (bm.Rows != grid.Rows || bm.Cols != grid.Cols) {
		log.Printf("[analyze] bias map for %s is %dx%d, run is %dx%d; scoring without bias",
			meta.DeviceID, bm.Rows, bm.Cols, grid.Rows, grid.Cols)
		bm = nil
	}
	report := analysisReport{
		Grid:     grid,
		Analysis: ra,
		Scores:   thermo.ScoreRun(ra, bm, a.Config, grid.DeviceType),
		Biased:   bm != nil,
	}

	if a.opts.OutputFile != "" {
		key, err := a.stage()
		if err != nil {
			return err
		}
		views := thermo.StageCellViews(ra, key, bm, a.Config, grid.DeviceType)
		title := fmt.Sprintf("%s %s", meta.DeviceID, key.Name())
		if err := writeHeatmap(a.opts.OutputFile, thermo.NewHeatmap(title, grid.Rows, grid.Cols, views)); err != nil {
			return err
		}
		log.Printf("Wrote heatmap to %s", a.opts.OutputFile)
	}
	return a.writeJSON(report)
}

// compareReport is what --compare prints.
type compareReport struct {
	Grid     thermo.GridInfo `json:"grid"`
	Replayed bool            `json:"replayed"`
	Baseline thermo.Scores   `json:"baseline"`
	Selected thermo.Scores   `json:"selected"`
}

// RunCompare analyzes a processed baseline and replays its windows on the
// selected run.
func (a *App) RunCompare(baselinePath, selectedPath string) error {
	if err := a.setup(); err != nil {
		return err
	}
	meta, err := a.metadata()
	if err != nil {
		return err
	}
	pair, err := thermo.AnalyzeProcessedRuns(baselinePath, selectedPath, meta, a.Config)
	if err != nil {
		return err
	}
	bm, err := a.Store.Bias(meta.DeviceID)
	if err != nil {
		return err
	}
	return a.writeJSON(compareReport{
		Grid:     pair.Grid,
		Replayed: pair.Replayed,
		Baseline: thermo.ScoreRun(pair.Baseline, bm, a.Config, pair.Grid.DeviceType),
		Selected: thermo.ScoreRun(pair.Selected, bm, a.Config, pair.Grid.DeviceType),
	})
}

// RunBias computes and stores bias maps for the manifest devices.
func (a *App) RunBias() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()
	m, err := a.manifest()
	if err != nil {
		return err
	}
	devices := m.Devices
	if a.opts.DeviceID != "" {
		devices = nil
		for _, d := range m.Devices {
			if d.DeviceID == a.opts.DeviceID {
				devices = append(devices, d)
			}
		}
		if len(devices) == 0 {
			return fmt.Errorf("device %s not in manifest", a.opts.DeviceID)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	res := a.Runner.ComputeBiasAll(ctx, devices)
	fmt.Fprintf(a.out, "Bias maps: %s\n", res)

	for _, d := range devices {
		bm, err := a.Store.Bias(d.DeviceID)
		if err != nil || bm == nil {
			continue
		}
		fmt.Fprintf(a.out, "  %s: %dx%d from %d baselines -> %s\n",
			bm.DeviceID, bm.Rows, bm.Cols, len(bm.Baselines), a.Store.BiasPath(bm.DeviceID))
		if a.Publisher != nil {
			if err := a.Publisher.PublishBias(bm); err != nil {
				log.Printf("[MQTT] %v", err)
			}
		}
		if a.opts.OutputFile != "" && len(devices) == 1 {
			if err := a.writeBiasHeatmap(bm, a.opts.OutputFile); err != nil {
				return err
			}
		}
	}
	if res.Succeeded == 0 && len(res.Failures) > 0 {
		return fmt.Errorf("no bias map computed")
	}
	return nil
}

func (a *App) writeBiasHeatmap(bm *thermo.BiasMap, path string) error {
	key, err := a.stage()
	if err != nil {
		return err
	}
	views := thermo.BiasCellViews(bm, key, bm.StageTarget(key), a.Config)
	title := fmt.Sprintf("%s %s bias", bm.DeviceID, key.Name())
	if err := writeHeatmap(path, thermo.NewHeatmap(title, bm.Rows, bm.Cols, views)); err != nil {
		return err
	}
	log.Printf("Wrote bias heatmap to %s", path)
	return nil
}

// RunBatch evaluates every manifest coefficient set for the plate type,
// appends the runs to the rollup log and prints the ranking.
func (a *App) RunBatch() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()
	m, err := a.manifest()
	if err != nil {
		return err
	}
	keys, err := m.Keys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("manifest lists no coefficient sets")
	}
	plate := a.opts.PlateType
	if plate == "" {
		plate = m.PlateType
	}
	if plate == "" {
		return fmt.Errorf("plate type is required (--plate or manifest plateType)")
	}
	devices := m.DevicesOfType(plate)
	if len(devices) == 0 {
		return fmt.Errorf("no manifest devices of type %s", plate)
	}

	ctx, cancel := signalContext()
	defer cancel()
	res := a.Runner.RunCoefficients(ctx, plate, devices, keys)
	fmt.Fprintf(a.out, "Type %s: %d runs appended, %s\n", plate, len(res.Runs), res)

	return a.RunRank(plate)
}

// RunRank prints and optionally publishes the ranking of a plate type.
func (a *App) RunRank(plateType string) error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()
	l, err := a.Store.Rollup(plateType)
	if err != nil {
		return err
	}
	opts := a.rankOptions()
	rows := thermo.Rank(l.Runs, opts)
	printRanking(a.out, plateType, len(l.Runs), rows)

	if a.Publisher != nil {
		if err := a.Publisher.PublishRanking(plateType, opts.SortBy, rows); err != nil {
			log.Printf("[MQTT] %v", err)
		}
	}
	return nil
}

func printRanking(w io.Writer, plateType string, runs int, rows []thermo.CoefficientScore) {
	fmt.Fprintf(w, "Type %s: %d runs, %d eligible coefficient sets\n", plateType, runs, len(rows))
	if len(rows) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCOEF KEY\tMEAN ABS %\tMEAN SIGNED %\tSTD %\tCOVERAGE")
	for i, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%+.3f\t%.3f\t%s\n",
			i+1, r.CoefKey, r.ScoreMeanAbs, r.MeanSigned, r.StdSigned, r.Coverage)
	}
	tw.Flush()
}

// RunCoef scores one coefficient set of a plate type.
func (a *App) RunCoef(plateType string) error {
	if err := a.setup(); err != nil {
		return err
	}
	if strings.TrimSpace(a.opts.CoefKey) == "" {
		return fmt.Errorf("--key is required")
	}
	key, err := thermo.ParseCoefficientKey(a.opts.CoefKey)
	if err != nil {
		return err
	}
	l, err := a.Store.Rollup(plateType)
	if err != nil {
		return err
	}
	score, ok := thermo.AggregateCoefficient(l.Runs, key.String(), a.opts.MinDevices)
	if !ok {
		return fmt.Errorf("coefficient set %s has no eligible runs for type %s", key, plateType)
	}
	return a.writeJSON(score)
}

// RunGain sweeps coefficients over discrete recordings and writes the gain
// rows and their summary.
func (a *App) RunGain(paths []string) error {
	if err := a.setup(); err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no recordings given")
	}
	coefs, err := thermo.ParseCoefficientSweep(a.opts.Sweep)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rows, res := a.Runner.RunGain(ctx, paths, coefs)
	fmt.Fprintf(a.out, "Gain sweep: %s\n", res)
	summary := thermo.SummarizeGain(rows, a.Config.Gain.TempBucketF)

	if a.opts.OutputFile == "" {
		return thermo.WriteGainSummary(a.out, summary)
	}
	if err := writeFileWith(a.opts.OutputFile, func(w io.Writer) error {
		return thermo.WriteGainRows(w, rows)
	}); err != nil {
		return err
	}
	summaryPath := strings.TrimSuffix(a.opts.OutputFile, filepath.Ext(a.opts.OutputFile)) + "_summary.csv"
	if err := writeFileWith(summaryPath, func(w io.Writer) error {
		return thermo.WriteGainSummary(w, summary)
	}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %d rows to %s and %d summary rows to %s\n",
		len(rows), a.opts.OutputFile, len(summary), summaryPath)
	return nil
}

// estimateReport is what --estimate prints.
type estimateReport struct {
	Estimate *thermo.CoefficientEstimate `json:"estimate"`
	Anchor   thermo.Anchor               `json:"anchor"`
	Values   thermo.ValueSummary         `json:"values"`
	Line     []thermo.TempPoint          `json:"line,omitempty"`
}

// RunEstimate estimates a temperature coefficient from observations.
func (a *App) RunEstimate(pointsPath string) error {
	if err := a.setup(); err != nil {
		return err
	}
	pts, err := thermo.LoadTempPoints(pointsPath)
	if err != nil {
		return err
	}
	values := make([]float64, len(pts))
	temps := make([]float64, len(pts))
	for i, p := range pts {
		values[i] = p.Value
		temps[i] = p.TempF
	}
	report := estimateReport{
		Anchor: thermo.ComputeAnchor(pts, a.Config.Coefficient),
		Values: thermo.SummarizeValues(values),
	}
	if est, ok := thermo.EstimateCoefficient(pts, report.Anchor); ok {
		report.Estimate = &est
		report.Line = thermo.CoefficientLine(report.Anchor, est.Coefficient, temps)
	} else {
		log.Printf("[estimate] coefficient undefined for %s (%d points)", pointsPath, len(pts))
	}
	return a.writeJSON(report)
}

// RunService serves persisted results over HTTP until interrupted.
func (a *App) RunService() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	if a.Publisher != nil {
		a.publishAllRankings()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", a.opts.HTTPPort),
		Handler:           newHTTPServer(a.Store, a.Config),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.opts.HTTPPort)
	fmt.Fprintln(a.out, "  GET /health                     - Health check")
	fmt.Fprintln(a.out, "  GET /bias/{device}              - Bias map JSON")
	fmt.Fprintln(a.out, "  GET /bias/{device}/heatmap.png  - Bias heatmap (?stage=db|bw)")
	fmt.Fprintln(a.out, "  GET /bias/{device}/heatmap.svg  - Bias heatmap, vector")
	fmt.Fprintln(a.out, "  GET /rollup/{plate}             - Ranking (?top=&sort=&min_devices=)")
	fmt.Fprintln(a.out, "  GET /rollup/{plate}/coef?key=   - One coefficient set")
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("[HTTP] server error: %w", err)
	case <-sigChan:
	}

	fmt.Fprintln(a.out, "\nShutting down service...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("[HTTP] shutdown: %w", err)
	}
	fmt.Fprintln(a.out, "Service stopped")
	return nil
}

func (a *App) publishAllRankings() {
	plates, err := a.Store.PlateTypes()
	if err != nil {
		log.Printf("[MQTT] listing plate types: %v", err)
		return
	}
	opts := a.rankOptions()
	for _, p := range plates {
		l, err := a.Store.Rollup(p)
		if err != nil {
			log.Printf("[MQTT] loading rollup %s: %v", p, err)
			continue
		}
		if err := a.Publisher.PublishRanking(p, opts.SortBy, thermo.Rank(l.Runs, opts)); err != nil {
			log.Printf("[MQTT] %v", err)
		}
	}
}

// signalContext is cancelled on SIGINT/SIGTERM so batch work stops
// submitting new units.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// writeHeatmap renders SVG for .svg paths and PNG otherwise.
func writeHeatmap(path string, h *thermo.Heatmap) error {
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		return writeFileWith(path, h.RenderSVG)
	}
	return h.SavePNG(path)
}

func writeFileWith(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
