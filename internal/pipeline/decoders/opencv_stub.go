//go:build !opencv

package decoders

import (
	"context"
	"fmt"
	"image"

	"github.com/cyclopcam/logs"

	"keydot/internal/pipeline"
)

// OpenCVDecoder stands in for the native backend in builds without the
// opencv tag. It is never healthy.
type OpenCVDecoder struct {
	log logs.Log
}

// NewOpenCVDecoder creates the placeholder backend
func NewOpenCVDecoder(log logs.Log) *OpenCVDecoder {
	log.Warnf("[OpenCV] Built without the opencv tag, native decoder disabled")
	return &OpenCVDecoder{log: log}
}

func (o *OpenCVDecoder) Name() string {
	return "opencv"
}

func (o *OpenCVDecoder) Backend() pipeline.BackendKind {
	return pipeline.BackendNative
}

func (o *OpenCVDecoder) IsHealthy() bool {
	return false
}

func (o *OpenCVDecoder) Decode(ctx context.Context, img image.Image, hints pipeline.DecodeHints) (*pipeline.DecodedPayload, error) {
	return nil, fmt.Errorf("opencv: %w", pipeline.ErrBackendUnavailable)
}

func (o *OpenCVDecoder) Close() error {
	return nil
}

var _ pipeline.Decoder = (*OpenCVDecoder)(nil)
