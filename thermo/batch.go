package thermo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// defaultRoomTempF is the processing room temperature used when a recording
// has no temperature at all.
const defaultRoomTempF = 72.0

// RecordingRef locates one raw recording and its metadata sidecar.
type RecordingRef struct {
	CSV  string `yaml:"csv"`
	Meta string `yaml:"meta"`
}

// DeviceManifest lists the recordings of one device.
type DeviceManifest struct {
	DeviceID   string         `yaml:"deviceId"`
	Recordings []RecordingRef `yaml:"recordings"`
}

// BatchManifest is the resolved input of a batch run.
type BatchManifest struct {
	PlateType    string           `yaml:"plateType"`
	Mode         string           `yaml:"mode"`
	Coefficients []Coefficients   `yaml:"coefficients"`
	Devices      []DeviceManifest `yaml:"devices"`
}

// LoadBatchManifest reads a YAML manifest. Relative paths are resolved
// against the manifest's directory.
func LoadBatchManifest(path string) (*BatchManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m BatchManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}
	base := filepath.Dir(path)
	for i := range m.Devices {
		d := &m.Devices[i]
		d.DeviceID = strings.TrimSpace(d.DeviceID)
		if d.DeviceID == "" {
			return nil, fmt.Errorf("manifest device %d: deviceId is required", i)
		}
		for j := range d.Recordings {
			r := &d.Recordings[j]
			r.CSV = resolvePath(base, r.CSV)
			r.Meta = resolvePath(base, r.Meta)
		}
	}
	return &m, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Keys returns the manifest's coefficient keys in its correction mode.
func (m *BatchManifest) Keys() ([]CoefficientKey, error) {
	mode, err := ParseCorrectionMode(m.Mode)
	if err != nil {
		return nil, err
	}
	keys := make([]CoefficientKey, 0, len(m.Coefficients))
	for _, c := range m.Coefficients {
		keys = append(keys, NewCoefficientKey(mode, c))
	}
	return keys, nil
}

// DevicesOfType returns the devices whose id prefix matches plateType. An
// empty plateType matches every device.
func (m *BatchManifest) DevicesOfType(plateType string) []DeviceManifest {
	if plateType == "" {
		return m.Devices
	}
	var out []DeviceManifest
	for _, d := range m.Devices {
		if PlateTypeFromDeviceID(d.DeviceID) == plateType {
			out = append(out, d)
		}
	}
	return out
}

// BatchResult reports how many units succeeded and why the others failed.
type BatchResult struct {
	Succeeded int             `json:"succeeded"`
	Failures  []string        `json:"failures"`
	Runs      []EvaluationRun `json:"-"`
}

func (r BatchResult) String() string {
	if len(r.Failures) == 0 {
		return fmt.Sprintf("%d succeeded", r.Succeeded)
	}
	return fmt.Sprintf("%d succeeded, %d failures:\n  %s", r.Succeeded, len(r.Failures), strings.Join(r.Failures, "\n  "))
}

// BatchRunner orchestrates processing, analysis and persistence over many
// devices. Devices run concurrently; results are merged before one write.
type BatchRunner struct {
	cfg   *Config
	proc  Processor
	store *ResultStore
}

// NewBatchRunner creates a runner.
func NewBatchRunner(cfg *Config, proc Processor, store *ResultStore) *BatchRunner {
	return &BatchRunner{cfg: cfg, proc: proc, store: store}
}

type loadedRecording struct {
	ref   RecordingRef
	meta  TestMetadata
	temp  *float64
	roomF float64
}

func (b *BatchRunner) loadRecording(ref RecordingRef, deviceID string) (loadedRecording, error) {
	if _, err := os.Stat(ref.CSV); err != nil {
		return loadedRecording{}, fmt.Errorf("missing CSV %s: %w", ref.CSV, err)
	}
	meta, err := LoadMetadata(ref.Meta)
	if err != nil {
		return loadedRecording{}, err
	}
	if meta.DeviceID != deviceID {
		log.Printf("[batch] %s: metadata device %s differs from manifest device %s", filepath.Base(ref.CSV), meta.DeviceID, deviceID)
	}
	rec := loadedRecording{ref: ref, meta: meta, roomF: defaultRoomTempF}
	if t, ok := meta.Temperature(); ok {
		rec.temp = &t
		rec.roomF = t
	}
	return rec, nil
}

// ComputeBias processes the device's room-temperature recordings with
// correction off, aggregates them into a bias map and stores it.
func (b *BatchRunner) ComputeBias(ctx context.Context, dev DeviceManifest) (*BiasMap, error) {
	var (
		inputs []BaselineInput
		errs   []error
	)
	for _, ref := range dev.Recordings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := b.loadRecording(ref, dev.DeviceID)
		if err != nil {
			log.Printf("[bias] %s: skipping %s: %v", dev.DeviceID, filepath.Base(ref.CSV), err)
			continue
		}
		if rec.temp == nil || !InBaselineRange(*rec.temp, b.cfg.Baseline) {
			continue
		}
		label := fmt.Sprintf("%s (%.1f°F)", filepath.Base(ref.CSV), *rec.temp)
		off, err := b.proc.Process(ctx, ProcessRequest{
			InputPath: ref.CSV,
			DeviceID:  dev.DeviceID,
			OutputDir: filepath.Dir(ref.CSV),
			RoomTempF: rec.roomF,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("baseline %s: processing with correction off: %w", label, err))
			continue
		}
		ra, grid, err := AnalyzeRecording(off, rec.meta, b.cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("baseline %s: %w", label, err))
			continue
		}
		inputs = append(inputs, BaselineInput{
			CSV:          filepath.Base(ref.CSV),
			ProcessedOff: filepath.Base(off),
			TemperatureF: rec.temp,
			Grid:         grid,
			Analysis:     ra,
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("device %s: bias baseline invalid: %w", dev.DeviceID, errors.Join(errs...))
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("device %s: %w in %.1f–%.1f°F", dev.DeviceID, ErrNoBaselines,
			b.cfg.Baseline.RoomTempMinF, b.cfg.Baseline.RoomTempMaxF)
	}

	bm, err := AggregateBias(dev.DeviceID, inputs, b.cfg.Baseline)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.DeviceID, err)
	}
	if b.store != nil {
		if err := b.store.PutBias(bm); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

// ComputeBiasAll computes bias maps for every device of the manifest.
func (b *BatchRunner) ComputeBiasAll(ctx context.Context, devices []DeviceManifest) BatchResult {
	failures := make([][]string, len(devices))
	ok := make([]bool, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for i, dev := range devices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := b.ComputeBias(gctx, dev); err != nil {
				failures[i] = splitErrors(err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult
	for i := range devices {
		if ok[i] {
			res.Succeeded++
		}
		res.Failures = append(res.Failures, failures[i]...)
	}
	return res
}

type deviceOutcome struct {
	runs      []EvaluationRun
	failures  []string
	succeeded int
}

// RunCoefficients evaluates every coefficient key on every recording of the
// given devices: bias first, then for each recording process with
// correction off and on, analyze with window replay and score against the
// bias map. New runs are appended to the plate type's rollup log in a
// single write.
func (b *BatchRunner) RunCoefficients(ctx context.Context, plateType string, devices []DeviceManifest, keys []CoefficientKey) BatchResult {
	outcomes := make([]deviceOutcome, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for i, dev := range devices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcomes[i] = b.runDevice(gctx, plateType, dev, keys)
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult
	for _, o := range outcomes {
		res.Succeeded += o.succeeded
		res.Failures = append(res.Failures, o.failures...)
		res.Runs = append(res.Runs, o.runs...)
	}
	if b.store != nil && len(res.Runs) > 0 {
		if _, err := b.store.AppendRuns(plateType, res.Runs); err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("saving rollup for type %s: %v", plateType, err))
		}
	}
	log.Printf("[batch] type=%s keys=%d runs=%d failures=%d", plateType, len(keys), len(res.Runs), len(res.Failures))
	return res
}

func (b *BatchRunner) runDevice(ctx context.Context, plateType string, dev DeviceManifest, keys []CoefficientKey) deviceOutcome {
	var out deviceOutcome
	bias, err := b.ComputeBias(ctx, dev)
	if err != nil {
		out.failures = splitErrors(err)
		return out
	}

	for _, ref := range dev.Recordings {
		if ctx.Err() != nil {
			return out
		}
		rec, err := b.loadRecording(ref, dev.DeviceID)
		if err != nil {
			out.failures = append(out.failures, fmt.Sprintf("%s: %s: %v", dev.DeviceID, filepath.Base(ref.CSV), err))
			continue
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return out
			}
			run, err := b.evaluate(ctx, plateType, dev.DeviceID, rec, key, bias)
			if err != nil {
				out.failures = append(out.failures, fmt.Sprintf("%s: %s %s: %v", dev.DeviceID, filepath.Base(ref.CSV), key, err))
				continue
			}
			out.runs = append(out.runs, run)
			out.succeeded++
		}
	}
	return out
}

func (b *BatchRunner) evaluate(ctx context.Context, plateType, deviceID string, rec loadedRecording, key CoefficientKey, bias *BiasMap) (EvaluationRun, error) {
	base := ProcessRequest{
		InputPath: rec.ref.CSV,
		DeviceID:  deviceID,
		OutputDir: filepath.Dir(rec.ref.CSV),
		RoomTempF: rec.roomF,
		Mode:      key.Mode,
	}
	off, err := b.proc.Process(ctx, base)
	if err != nil {
		return EvaluationRun{}, fmt.Errorf("processing off: %w", err)
	}
	onReq := base
	onReq.UseCorrection = true
	onReq.Coefficients = key.Coefficients()
	on, err := b.proc.Process(ctx, onReq)
	if err != nil {
		return EvaluationRun{}, fmt.Errorf("processing on: %w", err)
	}

	pair, err := AnalyzeProcessedRuns(off, on, rec.meta, b.cfg)
	if err != nil {
		return EvaluationRun{}, fmt.Errorf("analyze: %w", err)
	}
	deviceType := pair.Grid.DeviceType
	if deviceType == "" {
		deviceType = plateType
	}

	run := NewEvaluationRun(plateType, deviceID, key)
	run.DeviceType = deviceType
	run.RawCSV = rec.ref.CSV
	run.TemperatureF = rec.temp
	run.BaselineCSV = off
	run.SelectedCSV = on
	run.Baseline = ScoreRun(pair.Baseline, bias, b.cfg, deviceType)
	run.Selected = ScoreRun(pair.Selected, bias, b.cfg, deviceType)
	return run, nil
}

// RunGain sweeps coefficients over discrete recordings and returns every
// gain row. Files are processed concurrently; one failing file does not stop
// the others.
func (b *BatchRunner) RunGain(ctx context.Context, paths []string, coefs []float64) ([]GainRow, BatchResult) {
	perFile := make([][]GainRow, len(paths))
	failures := make([]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers())
	for i, path := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rows, err := b.gainForFile(gctx, path, coefs)
			if err != nil {
				failures[i] = fmt.Sprintf("%s: %v", filepath.Base(path), err)
				return nil
			}
			perFile[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	var (
		all []GainRow
		res BatchResult
	)
	for i := range paths {
		if failures[i] != "" {
			res.Failures = append(res.Failures, failures[i])
			continue
		}
		if perFile[i] != nil {
			res.Succeeded++
			all = append(all, perFile[i]...)
		}
	}
	return all, res
}

func (b *BatchRunner) gainForFile(ctx context.Context, path string, coefs []float64) ([]GainRow, error) {
	raw, err := LoadDiscreteRows(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	base := ProcessRequest{
		InputPath: path,
		DeviceID:  raw[0].DeviceID,
		OutputDir: filepath.Dir(path),
		RoomTempF: b.cfg.Gain.RoomTempF,
		Mode:      ModeScalar,
	}
	off, err := b.proc.Process(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("processing off: %w", err)
	}
	f0Rows, err := LoadProcessedSumZ(off)
	if err != nil {
		return nil, err
	}
	f0 := AlignSumZ(raw, f0Rows)

	var rows []GainRow
	for _, c := range coefs {
		req := base
		req.UseCorrection = true
		req.Coefficients = Coefficients{Z: c}
		on, err := b.proc.Process(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("processing coef %.6f: %w", c, err)
		}
		f1Rows, err := LoadProcessedSumZ(on)
		if err != nil {
			return nil, err
		}
		rows = append(rows, ComputeGainRows(raw, f0, AlignSumZ(raw, f1Rows), c, b.cfg.Gain)...)
	}
	return rows, nil
}

func (b *BatchRunner) workers() int {
	if b.cfg.Batch.Workers < 1 {
		return 1
	}
	return b.cfg.Batch.Workers
}

// splitErrors flattens a joined error into one reason per line.
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
