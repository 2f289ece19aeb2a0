package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"

	"keydot/internal/auth"
	"keydot/internal/capture"
	"keydot/internal/config"
	"keydot/internal/database"
	"keydot/internal/detection"
	"keydot/internal/pipeline"
	"keydot/internal/pipeline/decoders"
	"keydot/internal/pipeline/strategies"
	"keydot/internal/stream"
	"keydot/internal/ws"
)

// app owns every long-lived component of the daemon
type app struct {
	log logs.Log
	cfg *config.Config

	registry  *decoders.Registry
	adapter   *decoders.Adapter
	model     pipeline.Model
	tracker   *pipeline.ResultTracker
	eventBus  *pipeline.EventBus
	bridge    *pipeline.StreamingBridge
	hub       *ws.ResultsHub
	overlay   *stream.Overlay
	pipeline  *pipeline.Pipeline
	scheduler *pipeline.FrameScheduler
	source    *capture.Source // nil without a capture device
	db        *database.Database
	recorder  *database.Recorder
	auth      *auth.Authenticator
}

// newApp wires the components. ctx bounds the scheduler's passes.
func newApp(ctx context.Context, log logs.Log, cfg *config.Config) (*app, error) {
	a := &app{log: log, cfg: cfg}

	registry, err := buildRegistry(log, cfg)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	a.adapter, err = decoders.NewAdapter(log, registry, cfg.Decoders.Order, cfg.Decoders.Policy)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	model := detection.NewHTTPModel(log, detection.HTTPModelConfig{
		Endpoint:      cfg.Model.Endpoint,
		ConfThreshold: cfg.Model.ConfThreshold,
		Timeout:       cfg.Model.Timeout,
	})
	if !model.IsHealthy() {
		log.Warnf("[App] Model service at %s is not reachable yet", cfg.Model.Endpoint)
	}
	a.model = model

	if err := a.wire(ctx, model); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

// wire builds everything downstream of the model and decoders
func (a *app) wire(ctx context.Context, model pipeline.Model) error {
	cfg := a.cfg
	log := a.log

	a.tracker = pipeline.NewResultTracker(log, cfg.TrackerOptions())
	a.eventBus = pipeline.NewEventBus()
	a.hub = ws.NewResultsHub(log, cfg.Capture.Width, cfg.Capture.Height)
	a.overlay = stream.NewOverlay(log, cfg.Capture.Width, cfg.Capture.Height)
	a.bridge = pipeline.NewStreamingBridge(a.hub, a.overlay)
	a.eventBus.Subscribe(a.bridge)

	var err error
	a.pipeline, err = pipeline.NewPipeline(log, cfg.PipelineConfig(), model, a.adapter, a.tracker, a.eventBus)
	if err != nil {
		return err
	}

	if cfg.Storage.DBPath != "" {
		a.db, err = database.New(log, cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		if err := a.db.Migrate(); err != nil {
			return err
		}
		a.recorder, err = database.NewRecorder(log, a.db, database.RecorderConfig{
			CropDir:     cfg.Storage.CropDir,
			OnlyDecoded: cfg.Storage.OnlyDecoded,
			DedupWindow: cfg.Storage.DedupWindow,
		})
		if err != nil {
			return err
		}
		a.pipeline.SetRegionObserver(a.recorder)
	}

	gate, err := strategies.NewGateFactory(cfg.Admission.Interval).Create(cfg.Admission.Mode, cfg.Admission.Interval)
	if err != nil {
		return err
	}
	a.scheduler = pipeline.NewFrameScheduler(ctx, log, a.pipeline.Work(), gate, nil)

	if cfg.Capture.Device != "" {
		a.source, err = capture.NewSource(log, capture.Config{
			Device: cfg.Capture.Device,
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
			FPS:    cfg.Capture.FPS,
		}, a.scheduler)
		if err != nil {
			return err
		}
	} else {
		log.Warnf("[App] No capture device configured, frames only arrive via the API")
	}

	a.auth, err = auth.NewAuthenticator(log, cfg.Auth)
	return err
}

func buildRegistry(log logs.Log, cfg *config.Config) (*decoders.Registry, error) {
	registry := decoders.NewRegistry()
	for _, name := range cfg.Decoders.Order {
		var d pipeline.Decoder
		switch name {
		case "zxing":
			d = decoders.NewZXingDecoder(log)
		case "opencv":
			d = decoders.NewOpenCVDecoder(log)
		case "mlscanner":
			m, err := decoders.NewMLScannerDecoder(log, decoders.MLScannerConfig{Endpoint: cfg.Decoders.ScannerEndpoint})
			if err != nil {
				registry.Close()
				return nil, err
			}
			d = m
		default:
			registry.Close()
			return nil, &pipeline.ConfigurationError{Field: "decoders.order", Reason: fmt.Sprintf("unknown backend %q", name)}
		}
		if err := registry.Register(d); err != nil {
			d.Close()
			registry.Close()
			return nil, &pipeline.ConfigurationError{Field: "decoders.order", Reason: err.Error()}
		}
		if !d.IsHealthy() {
			log.Warnf("[App] Decode backend %s is not healthy", name)
		}
	}
	return registry, nil
}

// start begins capture
func (a *app) start(ctx context.Context) error {
	if a.source == nil {
		return nil
	}
	return a.source.Start(ctx)
}

// close stops capture, drains the running pass and releases resources
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.source != nil {
		a.source.Stop()
	}
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.eventBus != nil {
		a.eventBus.Close()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.model != nil {
		if err := a.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("model: %w", err))
		}
	}
	return errors.Join(errs...)
}

// statsResponse is served on /api/stats
type statsResponse struct {
	Scheduler pipeline.SchedulerStats          `json:"scheduler"`
	Pipeline  pipeline.PipelineStats           `json:"pipeline"`
	Decoders  map[string]decoders.BackendStats `json:"decoders"`
	Tracker   trackerStats                     `json:"tracker"`
	Capture   *capture.Stats                   `json:"capture,omitempty"`
	Recorder  *database.RecorderStats          `json:"recorder,omitempty"`
	WSClients int                              `json:"ws_clients"`
	Uptime    string                           `json:"uptime"`
}

type trackerStats struct {
	Accepted     uint64 `json:"accepted"`
	Stale        uint64 `json:"stale"`
	LastSequence uint64 `json:"last_sequence"`
}

func (a *app) stats(started time.Time) statsResponse {
	accepted, stale := a.tracker.Counts()
	resp := statsResponse{
		Scheduler: a.scheduler.Stats(),
		Pipeline:  a.pipeline.GetStats(),
		Decoders:  a.adapter.Stats(),
		Tracker: trackerStats{
			Accepted:     accepted,
			Stale:        stale,
			LastSequence: a.tracker.LastSequence(),
		},
		WSClients: a.hub.ClientCount(),
		Uptime:    time.Since(started).Round(time.Second).String(),
	}
	if a.source != nil {
		s := a.source.GetStats()
		resp.Capture = &s
	}
	if a.recorder != nil {
		s := a.recorder.Stats()
		resp.Recorder = &s
	}
	return resp
}
