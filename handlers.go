package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/thermoplate/thermo"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *thermo.ResultStore, cfg *thermo.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		plates, err := store.PlateTypes()
		if err != nil {
			log.Printf("[HTTP] listing plate types: %v", err)
		}
		if plates == nil {
			plates = []string{}
		}
		writeJSON(w, http.StatusOK, struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			PlateTypes []string  `json:"plateTypes"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			PlateTypes: plates,
		})
	})

	mux.HandleFunc("GET /bias/{device}", func(w http.ResponseWriter, r *http.Request) {
		bm, ok := loadBias(w, store, r.PathValue("device"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, bm)
	})

	mux.HandleFunc("GET /bias/{device}/heatmap.png", func(w http.ResponseWriter, r *http.Request) {
		h, ok := biasHeatmap(w, r, store, cfg)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := h.RenderPNG(w); err != nil {
			log.Printf("Error encoding bias heatmap PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /bias/{device}/heatmap.svg", func(w http.ResponseWriter, r *http.Request) {
		h, ok := biasHeatmap(w, r, store, cfg)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := h.RenderSVG(w); err != nil {
			log.Printf("Error encoding bias heatmap SVG: %v", err)
		}
	})

	mux.HandleFunc("GET /rollup/{plate}", func(w http.ResponseWriter, r *http.Request) {
		plate := r.PathValue("plate")
		opts, err := rankOptionsFromQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l, err := store.Rollup(plate)
		if err != nil {
			log.Printf("[HTTP] loading rollup %s: %v", plate, err)
			http.Error(w, "Failed to load rollup", http.StatusInternalServerError)
			return
		}
		rows := thermo.Rank(l.Runs, opts)
		writeJSON(w, http.StatusOK, struct {
			PlateType   string                    `json:"plate_type"`
			Runs        int                       `json:"runs"`
			UpdatedAtMs int64                     `json:"updated_at_ms"`
			Top         []thermo.CoefficientScore `json:"top"`
		}{
			PlateType:   plate,
			Runs:        len(l.Runs),
			UpdatedAtMs: l.UpdatedAtMs,
			Top:         rows,
		})
	})

	mux.HandleFunc("GET /rollup/{plate}/coef", func(w http.ResponseWriter, r *http.Request) {
		plate := r.PathValue("plate")
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		k, err := thermo.ParseCoefficientKey(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		minDevices, err := intParam(r, "min_devices", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l, err := store.Rollup(plate)
		if err != nil {
			log.Printf("[HTTP] loading rollup %s: %v", plate, err)
			http.Error(w, "Failed to load rollup", http.StatusInternalServerError)
			return
		}
		score, ok := thermo.AggregateCoefficient(l.Runs, k.String(), minDevices)
		if !ok {
			http.Error(w, "No eligible runs for coefficient set", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, score)
	})

	return mux
}

func loadBias(w http.ResponseWriter, store *thermo.ResultStore, device string) (*thermo.BiasMap, bool) {
	bm, err := store.Bias(device)
	if err != nil {
		log.Printf("[HTTP] loading bias map %s: %v", device, err)
		http.Error(w, "Failed to load bias map", http.StatusInternalServerError)
		return nil, false
	}
	if bm == nil {
		http.Error(w, "No bias map for device", http.StatusNotFound)
		return nil, false
	}
	return bm, true
}

func biasHeatmap(w http.ResponseWriter, r *http.Request, store *thermo.ResultStore, cfg *thermo.Config) (*thermo.Heatmap, bool) {
	stage := r.URL.Query().Get("stage")
	if stage == "" {
		stage = string(thermo.StageDB)
	}
	key, ok := thermo.ParseStageKey(stage)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown stage %q", stage), http.StatusBadRequest)
		return nil, false
	}
	bm, ok := loadBias(w, store, r.PathValue("device"))
	if !ok {
		return nil, false
	}
	views := thermo.BiasCellViews(bm, key, bm.StageTarget(key), cfg)
	title := fmt.Sprintf("%s %s bias", bm.DeviceID, key.Name())
	return thermo.NewHeatmap(title, bm.Rows, bm.Cols, views), true
}

func rankOptionsFromQuery(r *http.Request) (thermo.RankOptions, error) {
	opts := thermo.DefaultRankOptions()
	var err error
	if opts.TopN, err = intParam(r, "top", opts.TopN); err != nil {
		return opts, err
	}
	if opts.MinDevices, err = intParam(r, "min_devices", opts.MinDevices); err != nil {
		return opts, err
	}
	switch s := r.URL.Query().Get("sort"); s {
	case "":
	case "abs", thermo.SortByMeanAbs:
		opts.SortBy = thermo.SortByMeanAbs
	case thermo.SortBySigned:
		opts.SortBy = thermo.SortBySigned
	default:
		return opts, fmt.Errorf("unknown sort %q", s)
	}
	return opts, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
