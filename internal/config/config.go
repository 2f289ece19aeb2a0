// Package config loads keydot settings from YAML with KEYDOT_* environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"keydot/internal/auth"
	"keydot/internal/pipeline"
)

// CaptureConfig selects the frame source
type CaptureConfig struct {
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// PipelineConfig holds transform, filter and extraction settings
type PipelineConfig struct {
	CropSize       int                  `yaml:"crop_size"`
	Rotation       float64              `yaml:"rotation"`
	MaintainAspect bool                 `yaml:"maintain_aspect"`
	MinConfidence  float32              `yaml:"min_confidence"`
	Padding        int                  `yaml:"padding"`
	Mapping        pipeline.MappingMode `yaml:"mapping"`
	Invert         bool                 `yaml:"invert"`
	InferTimeout   time.Duration        `yaml:"infer_timeout"`
	DecodeTimeout  time.Duration        `yaml:"decode_timeout"`
}

// AdmissionConfig selects the admission gate
type AdmissionConfig struct {
	Mode     pipeline.AdmissionMode `yaml:"mode"`
	Interval time.Duration          `yaml:"interval"`
}

// DecodersConfig wires the decode adapter
type DecodersConfig struct {
	Order           []string              `yaml:"order"`
	Policy          pipeline.DecodePolicy `yaml:"policy"`
	Hints           pipeline.DecodeHints  `yaml:"hints"`
	ScannerEndpoint string                `yaml:"scanner_endpoint"` // gRPC target of the ML scanner
}

// ModelConfig points at the detection model service
type ModelConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	ConfThreshold float32       `yaml:"conf_threshold"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TrackerConfig holds result post-processing
type TrackerConfig struct {
	MinBoxSize float64 `yaml:"min_box_size"`
	OverlapIoU float64 `yaml:"overlap_iou"`
}

// StorageConfig controls persistence
type StorageConfig struct {
	DBPath      string        `yaml:"db_path"` // Empty disables the event store
	CropDir     string        `yaml:"crop_dir"`
	OnlyDecoded bool          `yaml:"only_decoded"`
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// HTTPConfig holds the API listener
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	Debug  bool   `yaml:"debug"`
}

// Config is the full daemon configuration
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Admission AdmissionConfig `yaml:"admission"`
	Decoders  DecodersConfig  `yaml:"decoders"`
	Model     ModelConfig     `yaml:"model"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      auth.Config     `yaml:"auth"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Width:  640,
			Height: 480,
			FPS:    15,
		},
		Pipeline: PipelineConfig{
			CropSize:       320,
			MaintainAspect: true,
			MinConfidence:  0.6,
			Padding:        20,
			Invert:         true,
			Mapping:        pipeline.MappingInverse,
			InferTimeout:   2 * time.Second,
			DecodeTimeout:  500 * time.Millisecond,
		},
		Admission: AdmissionConfig{
			Mode:     pipeline.AdmissionModeContinuous,
			Interval: 500 * time.Millisecond,
		},
		Decoders: DecodersConfig{
			Order:  []string{"zxing"},
			Policy: pipeline.DecodePolicyFirst,
			Hints: pipeline.DecodeHints{
				Formats:   []pipeline.Format{pipeline.FormatDataMatrix},
				TryHarder: true,
			},
		},
		Model: ModelConfig{
			Endpoint:      "http://localhost:8000",
			ConfThreshold: 0.25,
			Timeout:       5 * time.Second,
		},
		Storage: StorageConfig{
			DedupWindow: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Auth: auth.Config{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.parseYAML(raw); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseYAML(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &pipeline.ConfigurationError{Field: "yaml", Reason: err.Error()}
	}
	return nil
}

type envSetter func(c *Config, v string) error

func envString(dst func(c *Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func envInt(dst func(c *Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func envFloat(dst func(c *Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func envFloat32(dst func(c *Config) *float32) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return err
		}
		*dst(c) = float32(f)
		return nil
	}
}

func envBool(dst func(c *Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func envDuration(dst func(c *Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

// envOverrides maps KEYDOT_* variables to fields
var envOverrides = map[string]envSetter{
	"KEYDOT_DEVICE":          envString(func(c *Config) *string { return &c.Capture.Device }),
	"KEYDOT_FRAME_WIDTH":     envInt(func(c *Config) *int { return &c.Capture.Width }),
	"KEYDOT_FRAME_HEIGHT":    envInt(func(c *Config) *int { return &c.Capture.Height }),
	"KEYDOT_FPS":             envInt(func(c *Config) *int { return &c.Capture.FPS }),
	"KEYDOT_CROP_SIZE":       envInt(func(c *Config) *int { return &c.Pipeline.CropSize }),
	"KEYDOT_ROTATION":        envFloat(func(c *Config) *float64 { return &c.Pipeline.Rotation }),
	"KEYDOT_MAINTAIN_ASPECT": envBool(func(c *Config) *bool { return &c.Pipeline.MaintainAspect }),
	"KEYDOT_MIN_CONFIDENCE":  envFloat32(func(c *Config) *float32 { return &c.Pipeline.MinConfidence }),
	"KEYDOT_PADDING":         envInt(func(c *Config) *int { return &c.Pipeline.Padding }),
	"KEYDOT_DECODE_TIMEOUT":  envDuration(func(c *Config) *time.Duration { return &c.Pipeline.DecodeTimeout }),
	"KEYDOT_ADMISSION_MODE": func(c *Config, v string) error {
		c.Admission.Mode = pipeline.AdmissionMode(v)
		return nil
	},
	"KEYDOT_ADMISSION_INTERVAL": envDuration(func(c *Config) *time.Duration { return &c.Admission.Interval }),
	"KEYDOT_DECODERS": func(c *Config, v string) error {
		c.Decoders.Order = splitList(v)
		return nil
	},
	"KEYDOT_DECODE_POLICY": func(c *Config, v string) error {
		c.Decoders.Policy = pipeline.DecodePolicy(v)
		return nil
	},
	"KEYDOT_FORMATS": func(c *Config, v string) error {
		c.Decoders.Hints.Formats = nil
		for _, f := range splitList(v) {
			c.Decoders.Hints.Formats = append(c.Decoders.Hints.Formats, pipeline.Format(strings.ToUpper(f)))
		}
		return nil
	},
	"KEYDOT_SCANNER_ENDPOINT": envString(func(c *Config) *string { return &c.Decoders.ScannerEndpoint }),
	"KEYDOT_MODEL_ENDPOINT":   envString(func(c *Config) *string { return &c.Model.Endpoint }),
	"KEYDOT_DB_PATH":          envString(func(c *Config) *string { return &c.Storage.DBPath }),
	"KEYDOT_CROP_DIR":         envString(func(c *Config) *string { return &c.Storage.CropDir }),
	"KEYDOT_LISTEN":           envString(func(c *Config) *string { return &c.HTTP.Listen }),
	"KEYDOT_AUTH_ENABLED":     envBool(func(c *Config) *bool { return &c.Auth.Enabled }),
	"KEYDOT_AUTH_USERNAME":    envString(func(c *Config) *string { return &c.Auth.Username }),
	"KEYDOT_AUTH_PASSWORD":    envString(func(c *Config) *string { return &c.Auth.Password }),
	"KEYDOT_JWT_SECRET":       envString(func(c *Config) *string { return &c.Auth.JWTSecret }),
	"KEYDOT_JWT_EXPIRY":       envDuration(func(c *Config) *time.Duration { return &c.Auth.JWTExpiry }),
}

// ApplyEnv applies KEYDOT_* overrides using lookup (os.LookupEnv in production)
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for key, set := range envOverrides {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			return &pipeline.ConfigurationError{Field: key, Reason: err.Error()}
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks every setting that can be checked without dialing out
func (c *Config) Validate() error {
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return &pipeline.ConfigurationError{Field: "capture.size", Reason: fmt.Sprintf("%dx%d is not a valid frame size", c.Capture.Width, c.Capture.Height)}
	}
	if c.Capture.FPS <= 0 {
		return &pipeline.ConfigurationError{Field: "capture.fps", Reason: "must be positive"}
	}
	pc := c.PipelineConfig()
	if err := pc.Validate(); err != nil {
		return err
	}
	switch c.Admission.Mode {
	case pipeline.AdmissionModeContinuous, pipeline.AdmissionModePaused:
	case pipeline.AdmissionModeInterval:
		if c.Admission.Interval <= 0 {
			return &pipeline.ConfigurationError{Field: "admission.interval", Reason: "must be positive in interval mode"}
		}
	default:
		return &pipeline.ConfigurationError{Field: "admission.mode", Reason: fmt.Sprintf("unknown mode %q", c.Admission.Mode)}
	}
	if len(c.Decoders.Order) == 0 {
		return &pipeline.ConfigurationError{Field: "decoders.order", Reason: "no decode backend configured"}
	}
	switch c.Decoders.Policy {
	case pipeline.DecodePolicyFirst, pipeline.DecodePolicyCompare, pipeline.DecodePolicyLast:
	default:
		return &pipeline.ConfigurationError{Field: "decoders.policy", Reason: fmt.Sprintf("unknown policy %q", c.Decoders.Policy)}
	}
	for _, f := range c.Decoders.Hints.Formats {
		switch f {
		case pipeline.FormatDataMatrix, pipeline.FormatQRCode, pipeline.FormatCode128:
		default:
			return &pipeline.ConfigurationError{Field: "decoders.hints.formats", Reason: fmt.Sprintf("unsupported format %q", f)}
		}
	}
	for _, name := range c.Decoders.Order {
		if name == "mlscanner" && c.Decoders.ScannerEndpoint == "" {
			return &pipeline.ConfigurationError{Field: "decoders.scanner_endpoint", Reason: "required when mlscanner is enabled"}
		}
	}
	if c.Model.Endpoint == "" {
		return &pipeline.ConfigurationError{Field: "model.endpoint", Reason: "required"}
	}
	if c.Tracker.MinBoxSize < 0 || c.Tracker.OverlapIoU < 0 || c.Tracker.OverlapIoU > 1 {
		return &pipeline.ConfigurationError{Field: "tracker", Reason: "min_box_size must be >= 0 and overlap_iou in [0,1]"}
	}
	if c.HTTP.Listen == "" {
		return &pipeline.ConfigurationError{Field: "http.listen", Reason: "required"}
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return &pipeline.ConfigurationError{Field: "auth.password", Reason: "required when auth is enabled"}
	}
	return nil
}

// PipelineConfig builds the per-frame pipeline settings
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		FrameWidth:     c.Capture.Width,
		FrameHeight:    c.Capture.Height,
		CropSize:       c.Pipeline.CropSize,
		Rotation:       c.Pipeline.Rotation,
		MaintainAspect: c.Pipeline.MaintainAspect,
		MinConfidence:  c.Pipeline.MinConfidence,
		Extractor: pipeline.RegionExtractor{
			Mode:           c.Pipeline.Mapping,
			Padding:        c.Pipeline.Padding,
			ModelInputSize: c.Pipeline.CropSize,
			Invert:         c.Pipeline.Invert,
		},
		Hints:         c.Decoders.Hints,
		DecodeTimeout: c.Pipeline.DecodeTimeout,
		InferTimeout:  c.Pipeline.InferTimeout,
	}
}

// TrackerOptions builds the result tracker settings
func (c *Config) TrackerOptions() pipeline.TrackerOptions {
	return pipeline.TrackerOptions{
		MinBoxSize: c.Tracker.MinBoxSize,
		OverlapIoU: c.Tracker.OverlapIoU,
	}
}
