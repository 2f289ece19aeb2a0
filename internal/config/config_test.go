package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"keydot/internal/geometry"
	"keydot/internal/pipeline"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultScannerSettings(t *testing.T) {
	cfg := Default()
	require.InDelta(t, 0.6, cfg.Pipeline.MinConfidence, 1e-6)
	require.Equal(t, 20, cfg.Pipeline.Padding)
	require.True(t, cfg.Pipeline.Invert)
	require.Equal(t, []pipeline.Format{pipeline.FormatDataMatrix}, cfg.Decoders.Hints.Formats)
	require.True(t, cfg.Decoders.Hints.TryHarder)

	pc := cfg.PipelineConfig()
	require.True(t, pc.Extractor.Invert)
	require.Equal(t, 20, pc.Extractor.Padding)
}

func TestDefaultTrackerKeepsEveryResult(t *testing.T) {
	tracker := pipeline.NewResultTracker(logs.NewTestingLog(t), Default().TrackerOptions())
	results := []pipeline.TrackedResult{
		{Confidence: 0.9, Box: geometry.NewRect(10, 10, 50, 50)},
		{Confidence: 0.8, Box: geometry.NewRect(12, 12, 50, 50)},
		{Confidence: 0.7, Box: geometry.NewRect(0, 0, 2, 2)},
	}
	require.True(t, tracker.Update(1, results))
	require.Len(t, tracker.CurrentResults().Results, 3)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keydot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capture:
  device: rtsp://cam/stream
  width: 1280
  height: 720
pipeline:
  crop_size: 416
  rotation: 90
  decode_timeout: 250ms
admission:
  mode: interval
  interval: 1s
decoders:
  order: [zxing, mlscanner]
  policy: compare
  scanner_endpoint: localhost:50051
  hints:
    formats: [QR_CODE]
    try_harder: true
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "rtsp://cam/stream", cfg.Capture.Device)
	require.Equal(t, 1280, cfg.Capture.Width)
	require.Equal(t, 416, cfg.Pipeline.CropSize)
	require.Equal(t, 250*time.Millisecond, cfg.Pipeline.DecodeTimeout)
	require.Equal(t, pipeline.AdmissionModeInterval, cfg.Admission.Mode)
	require.Equal(t, []string{"zxing", "mlscanner"}, cfg.Decoders.Order)
	require.Equal(t, pipeline.DecodePolicyCompare, cfg.Decoders.Policy)
	require.True(t, cfg.Decoders.Hints.TryHarder)
	// Untouched sections keep their defaults
	require.Equal(t, ":8080", cfg.HTTP.Listen)
	require.True(t, cfg.Pipeline.MaintainAspect)

	pc := cfg.PipelineConfig()
	require.Equal(t, 1280, pc.FrameWidth)
	require.Equal(t, 416, pc.Extractor.ModelInputSize)
	require.Equal(t, []pipeline.Format{pipeline.FormatQRCode}, pc.Hints.Formats)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keydot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  crop_sz: 3\n"), 0644))
	_, err := Load(path)
	require.ErrorIs(t, err, pipeline.ErrConfiguration)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"KEYDOT_DEVICE":          "/dev/video2",
		"KEYDOT_CROP_SIZE":       "256",
		"KEYDOT_MAINTAIN_ASPECT": "false",
		"KEYDOT_MIN_CONFIDENCE":  "0.7",
		"KEYDOT_DECODERS":        "opencv, zxing",
		"KEYDOT_FORMATS":         "data_matrix,code_128",
		"KEYDOT_ADMISSION_MODE":  "paused",
		"KEYDOT_LISTEN":          "",
	})))
	require.Equal(t, "/dev/video2", cfg.Capture.Device)
	require.Equal(t, 256, cfg.Pipeline.CropSize)
	require.False(t, cfg.Pipeline.MaintainAspect)
	require.InDelta(t, 0.7, cfg.Pipeline.MinConfidence, 1e-6)
	require.Equal(t, []string{"opencv", "zxing"}, cfg.Decoders.Order)
	require.Equal(t, []pipeline.Format{pipeline.FormatDataMatrix, pipeline.FormatCode128}, cfg.Decoders.Hints.Formats)
	require.Equal(t, pipeline.AdmissionModePaused, cfg.Admission.Mode)
	require.Equal(t, ":8080", cfg.HTTP.Listen)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvBadValue(t *testing.T) {
	err := Default().ApplyEnv(env(map[string]string{"KEYDOT_CROP_SIZE": "big"}))
	var ce *pipeline.ConfigurationError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "KEYDOT_CROP_SIZE", ce.Field)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"frame size", func(c *Config) { c.Capture.Width = 0 }, "capture.size"},
		{"crop size", func(c *Config) { c.Pipeline.CropSize = 0 }, "crop_size"},
		{"confidence", func(c *Config) { c.Pipeline.MinConfidence = 1.5 }, "min_confidence"},
		{"padding", func(c *Config) { c.Pipeline.Padding = -1 }, "padding"},
		{"mapping", func(c *Config) { c.Pipeline.Mapping = "nearest" }, "mapping_mode"},
		{"admission", func(c *Config) { c.Admission.Mode = "motion" }, "admission.mode"},
		{"interval", func(c *Config) {
			c.Admission.Mode = pipeline.AdmissionModeInterval
			c.Admission.Interval = 0
		}, "admission.interval"},
		{"no decoders", func(c *Config) { c.Decoders.Order = nil }, "decoders.order"},
		{"policy", func(c *Config) { c.Decoders.Policy = "vote" }, "decoders.policy"},
		{"format", func(c *Config) { c.Decoders.Hints.Formats = []pipeline.Format{"PDF_417"} }, "decoders.hints.formats"},
		{"scanner", func(c *Config) { c.Decoders.Order = []string{"mlscanner"} }, "decoders.scanner_endpoint"},
		{"model", func(c *Config) { c.Model.Endpoint = "" }, "model.endpoint"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, pipeline.ErrConfiguration)
			var ce *pipeline.ConfigurationError
			require.True(t, errors.As(err, &ce))
			require.Equal(t, tc.field, ce.Field)
		})
	}
}
