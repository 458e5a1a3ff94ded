package thermo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultProcessTimeout bounds one correction-service request.
	DefaultProcessTimeout = 300 * time.Second

	// DefaultMaxRetries is the default number of attempts per request.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the service response body.
	maxResponseBytes = 1 << 20

	processCSVPath = "/api/device/process-csv"
)

// ProcessRequest is one call to the force-correction service.
type ProcessRequest struct {
	InputPath     string
	DeviceID      string
	OutputDir     string
	UseCorrection bool
	RoomTempF     float64
	Mode          CorrectionMode
	Coefficients  Coefficients
}

// CoefficientTag is "off" for uncorrected requests, otherwise the
// coefficient key.
func (r ProcessRequest) CoefficientTag() string {
	if !r.UseCorrection {
		return "off"
	}
	return NewCoefficientKey(r.Mode, r.Coefficients).String()
}

// Processor turns a raw recording into a processed recording and returns the
// processed file path.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (string, error)
}

// ProcessOption configures an HTTPProcessor.
type ProcessOption func(*processConfig)

type processConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultProcessConfig() processConfig {
	return processConfig{
		timeout:     DefaultProcessTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) ProcessOption {
	return func(c *processConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) ProcessOption {
	return func(c *processConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) ProcessOption {
	return func(c *processConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) ProcessOption {
	return func(c *processConfig) {
		c.client = client
	}
}

// HTTPProcessor calls the correction service over HTTP.
type HTTPProcessor struct {
	baseURL string
	cfg     processConfig
	client  *http.Client
}

// NewHTTPProcessor creates a client for the service at baseURL.
func NewHTTPProcessor(baseURL string, opts ...ProcessOption) *HTTPProcessor {
	cfg := defaultProcessConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}
	return &HTTPProcessor{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		cfg:     cfg,
		client:  client,
	}
}

type processBody struct {
	CSVPath       string        `json:"csvPath"`
	DeviceID      string        `json:"deviceId"`
	OutputDir     string        `json:"outputDir"`
	UseCorrection bool          `json:"use_temperature_correction"`
	RoomTempF     float64       `json:"room_temperature_f"`
	Mode          string        `json:"mode"`
	Coefficients  *Coefficients `json:"temperature_correction_coefficients,omitempty"`
}

type processResponse struct {
	OutputPath   string `json:"outputPath"`
	Path         string `json:"path"`
	ProcessedCSV string `json:"processed_csv"`
}

func (r processResponse) path() string {
	for _, p := range []string{r.OutputPath, r.Path, r.ProcessedCSV} {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return ""
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Process posts the request and returns the output path reported by the
// service. Network errors and 5xx responses are retried with exponential
// backoff; 4xx responses and malformed bodies are not.
func (p *HTTPProcessor) Process(ctx context.Context, req ProcessRequest) (string, error) {
	if p.baseURL == "" {
		return "", fmt.Errorf("process csv: service URL is empty")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeLegacy
	}
	body := processBody{
		CSVPath:       req.InputPath,
		DeviceID:      strings.TrimSpace(req.DeviceID),
		OutputDir:     req.OutputDir,
		UseCorrection: req.UseCorrection,
		RoomTempF:     req.RoomTempF,
		Mode:          string(mode),
	}
	if req.UseCorrection {
		c := req.Coefficients
		body.Coefficients = &c
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("process csv: encoding request: %w", err)
	}

	url := p.baseURL + processCSVPath
	var lastErr error
	for attempt := range p.cfg.maxRetries {
		if attempt > 0 {
			backoff := p.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("process csv: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		out, err := p.post(ctx, url, payload)
		if err == nil {
			return out, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return "", fmt.Errorf("process csv: %w", perm.err)
		}
		lastErr = err
		log.Printf("[process] attempt %d/%d failed: %v", attempt+1, p.cfg.maxRetries, err)
	}
	return "", fmt.Errorf("process csv: all %d attempts failed: %w", p.cfg.maxRetries, lastErr)
}

func (p *HTTPProcessor) post(ctx context.Context, url string, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", permanentError{fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", url, err)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("HTTP POST %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 400 {
		return "", permanentError{fmt.Errorf("HTTP POST %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var pr processResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return "", permanentError{fmt.Errorf("parsing response: %w", err)}
	}
	out := pr.path()
	if out == "" {
		return "", permanentError{fmt.Errorf("service returned no output path")}
	}
	return out, nil
}

// ServiceURL returns the correction service URL, letting
// CORRECTION_SERVICE_URL override the config.
func ServiceURL(cfg ServiceConfig) string {
	if v := strings.TrimSpace(os.Getenv("CORRECTION_SERVICE_URL")); v != "" {
		return v
	}
	return cfg.URL
}

// NewProcessor builds the configured processor: an HTTP client, cached on
// disk when a cache directory is set.
func NewProcessor(cfg ServiceConfig) Processor {
	opts := []ProcessOption{}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(cfg.MaxRetries))
	}
	var p Processor = NewHTTPProcessor(ServiceURL(cfg), opts...)
	if cfg.CacheDir != "" {
		p = NewCachedProcessor(p, cfg.CacheDir)
	}
	return p
}
