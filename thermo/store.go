package thermo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ResultStore persists bias maps (one file per device) and rollup logs (one
// file per plate type) under a data directory. Writes are atomic and rollup
// appends are serialized.
type ResultStore struct {
	mu      sync.RWMutex
	dataDir string
	bias    map[string]*BiasMap // device id -> last loaded or saved map
}

// NewResultStore creates a store rooted at dataDir.
func NewResultStore(dataDir string) *ResultStore {
	return &ResultStore{
		dataDir: dataDir,
		bias:    make(map[string]*BiasMap),
	}
}

// DataDir returns the store root.
func (s *ResultStore) DataDir() string { return s.dataDir }

func safeName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, id)
}

// BiasPath is the bias map file for a device.
func (s *ResultStore) BiasPath(deviceID string) string {
	return filepath.Join(s.dataDir, "temp_bias", safeName(deviceID)+".json")
}

// RollupPath is the rollup log file for a plate type.
func (s *ResultStore) RollupPath(plateType string) string {
	return filepath.Join(s.dataDir, "temp_coef_rollup", "type"+safeName(plateType)+".json")
}

// writeJSONAtomic writes v as indented JSON to path atomically.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SaveBiasMap writes a bias map to path.
func SaveBiasMap(path string, bm *BiasMap) error {
	bm.normalize()
	if err := writeJSONAtomic(path, bm); err != nil {
		return fmt.Errorf("saving bias map: %w", err)
	}
	return nil
}

// LoadBiasMap reads a bias map. A missing file returns nil, nil.
func LoadBiasMap(path string) (*BiasMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading bias map: %w", err)
	}
	var bm BiasMap
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, fmt.Errorf("parsing bias map: %w", err)
	}
	bm.normalize()
	if err := bm.validate(); err != nil {
		return nil, fmt.Errorf("bias map %s: %w", path, err)
	}
	return &bm, nil
}

func (b *BiasMap) validate() error {
	check := func(name string, m [][]float64) error {
		if len(m) != b.Rows {
			return fmt.Errorf("%s has %d rows, want %d", name, len(m), b.Rows)
		}
		for i, row := range m {
			if len(row) != b.Cols {
				return fmt.Errorf("%s row %d has %d cols, want %d", name, i, len(row), b.Cols)
			}
		}
		return nil
	}
	if b.Rows <= 0 || b.Cols <= 0 {
		return fmt.Errorf("invalid grid %dx%d", b.Rows, b.Cols)
	}
	if err := check("bias_all", b.BiasAll); err != nil {
		return err
	}
	if b.BiasDB == nil {
		b.BiasDB = b.BiasAll
	}
	if b.BiasBW == nil {
		b.BiasBW = b.BiasAll
	}
	if err := check("bias_db", b.BiasDB); err != nil {
		return err
	}
	return check("bias_bw", b.BiasBW)
}

// SaveRollup writes a rollup log to path.
func SaveRollup(path string, l *RollupLog) error {
	if err := writeJSONAtomic(path, l); err != nil {
		return fmt.Errorf("saving rollup: %w", err)
	}
	return nil
}

// LoadRollup reads a rollup log. A missing file returns an empty log.
func LoadRollup(path, plateType string) (*RollupLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRollupLog(plateType), nil
		}
		return nil, fmt.Errorf("reading rollup: %w", err)
	}
	var l RollupLog
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing rollup: %w", err)
	}
	if l.PlateType == "" {
		l.PlateType = plateType
	}
	if l.Runs == nil {
		l.Runs = []EvaluationRun{}
	}
	return &l, nil
}

// PutBias persists a device's bias map.
func (s *ResultStore) PutBias(bm *BiasMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := SaveBiasMap(s.BiasPath(bm.DeviceID), bm); err != nil {
		return err
	}
	s.bias[bm.DeviceID] = bm
	return nil
}

// Bias returns a device's bias map, or nil when none has been computed.
func (s *ResultStore) Bias(deviceID string) (*BiasMap, error) {
	s.mu.RLock()
	bm, ok := s.bias[deviceID]
	s.mu.RUnlock()
	if ok {
		return bm, nil
	}

	bm, err := LoadBiasMap(s.BiasPath(deviceID))
	if err != nil || bm == nil {
		return nil, err
	}
	s.mu.Lock()
	s.bias[deviceID] = bm
	s.mu.Unlock()
	return bm, nil
}

// Rollup loads the run log of a plate type.
func (s *ResultStore) Rollup(plateType string) (*RollupLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LoadRollup(s.RollupPath(plateType), plateType)
}

// AppendRuns reloads a plate type's log, appends runs and rewrites it.
func (s *ResultStore) AppendRuns(plateType string, runs []EvaluationRun) (*RollupLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := LoadRollup(s.RollupPath(plateType), plateType)
	if err != nil {
		return nil, err
	}
	l.Append(runs...)
	if err := SaveRollup(s.RollupPath(plateType), l); err != nil {
		return nil, err
	}
	return l, nil
}

// PlateTypes lists plate types that have a rollup log.
func (s *ResultStore) PlateTypes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches, err := filepath.Glob(filepath.Join(s.dataDir, "temp_coef_rollup", "type*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".json")
		out = append(out, strings.TrimPrefix(name, "type"))
	}
	sort.Strings(out)
	return out, nil
}
