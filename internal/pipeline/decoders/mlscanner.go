package decoders

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"keydot/internal/pipeline"
)

const (
	// ScannerService is the gRPC service name of the ML scanner
	ScannerService = "keydot.scanner.v1.Scanner"
	// ScanMethod is the unary scan RPC. Request and response are
	// google.protobuf.Struct messages.
	ScanMethod = "/" + ScannerService + "/Scan"
)

const (
	healthyTTL   = 30 * time.Second
	unhealthyTTL = 5 * time.Second
)

// MLScannerConfig holds configuration for the ML scanner backend
type MLScannerConfig struct {
	Endpoint    string
	DialOptions []grpc.DialOption // Extra options, e.g. a custom dialer in tests
}

// MLScannerDecoder sends regions to a remote ML-based barcode scanner
//
// Request fields: image_png (base64), formats (list), try_harder (bool).
// Response fields: found (bool), format (string), text (string).
type MLScannerDecoder struct {
	log        logs.Log
	endpoint   string
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
	healthy    bool
	healthMu   sync.RWMutex
	lastHealth time.Time
}

// NewMLScannerDecoder creates the client. The connection is established lazily.
func NewMLScannerDecoder(log logs.Log, config MLScannerConfig) (*MLScannerDecoder, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner client: %w", err)
	}

	log.Infof("[MLScanner] Using scanner at %s", config.Endpoint)
	return &MLScannerDecoder{
		log:      log,
		endpoint: config.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
	}, nil
}

func (m *MLScannerDecoder) Name() string {
	return "mlscanner"
}

func (m *MLScannerDecoder) Backend() pipeline.BackendKind {
	return pipeline.BackendML
}

// IsHealthy checks the standard gRPC health service. A healthy answer is
// cached for 30 seconds and an unhealthy one for 5, so a down scanner does
// not cost a health RPC per region.
func (m *MLScannerDecoder) IsHealthy() bool {
	m.healthMu.RLock()
	if !m.lastHealth.IsZero() {
		ttl := unhealthyTTL
		if m.healthy {
			ttl = healthyTTL
		}
		if time.Since(m.lastHealth) < ttl {
			healthy := m.healthy
			m.healthMu.RUnlock()
			return healthy
		}
	}
	m.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := m.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ScannerService})

	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if err != nil {
		if m.healthy || m.lastHealth.IsZero() {
			m.log.Warnf("[MLScanner] Health check failed: %v", err)
		}
		m.healthy = false
		m.lastHealth = time.Now()
		return false
	}
	m.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	m.lastHealth = time.Now()
	return m.healthy
}

func (m *MLScannerDecoder) Decode(ctx context.Context, img image.Image, hints pipeline.DecodeHints) (*pipeline.DecodedPayload, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}

	formats := make([]interface{}, 0, len(hints.Formats))
	for _, f := range hints.Formats {
		formats = append(formats, string(f))
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"image_png":  base64.StdEncoding.EncodeToString(buf.Bytes()),
		"formats":    formats,
		"try_harder": hints.TryHarder,
		"try_invert": hints.TryInvert,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, ScanMethod, req, resp); err != nil {
		m.healthMu.Lock()
		m.healthy = false
		m.healthMu.Unlock()
		return nil, fmt.Errorf("scan rpc: %w", err)
	}

	fields := resp.GetFields()
	if !fields["found"].GetBoolValue() {
		return nil, nil
	}
	return &pipeline.DecodedPayload{
		Format: pipeline.Format(fields["format"].GetStringValue()),
		Text:   fields["text"].GetStringValue(),
	}, nil
}

func (m *MLScannerDecoder) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

var _ pipeline.Decoder = (*MLScannerDecoder)(nil)
