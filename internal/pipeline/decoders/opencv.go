//go:build opencv

package decoders

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"github.com/cyclopcam/logs"
	"gocv.io/x/gocv"

	"keydot/internal/pipeline"
)

// OpenCVDecoder is the native-library backend. OpenCV's detector only reads
// QR codes, so other formats are reported as not found.
type OpenCVDecoder struct {
	log      logs.Log
	detector gocv.QRCodeDetector
	mu       sync.Mutex
	closed   bool
}

// NewOpenCVDecoder creates the native decoder
func NewOpenCVDecoder(log logs.Log) *OpenCVDecoder {
	log.Infof("[OpenCV] QR detector ready (OpenCV %s)", gocv.Version())
	return &OpenCVDecoder{
		log:      log,
		detector: gocv.NewQRCodeDetector(),
	}
}

func (o *OpenCVDecoder) Name() string {
	return "opencv"
}

func (o *OpenCVDecoder) Backend() pipeline.BackendKind {
	return pipeline.BackendNative
}

func (o *OpenCVDecoder) IsHealthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}

func (o *OpenCVDecoder) Decode(ctx context.Context, img image.Image, hints pipeline.DecodeHints) (*pipeline.DecodedPayload, error) {
	if !hints.Allows(pipeline.FormatQRCode) {
		return nil, nil
	}

	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*4 {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	mat, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, rgba.Pix)
	if err != nil {
		return nil, fmt.Errorf("opencv mat: %w", err)
	}
	defer mat.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(mat, &bgr, gocv.ColorRGBAToBGR)

	for _, invert := range []bool{false, true} {
		if invert {
			if !hints.TryInvert {
				break
			}
			gocv.BitwiseNot(bgr, &bgr)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if text := o.detect(bgr); text != "" {
			return &pipeline.DecodedPayload{Format: pipeline.FormatQRCode, Text: text}, nil
		}
	}
	return nil, nil
}

func (o *OpenCVDecoder) detect(bgr gocv.Mat) string {
	points := gocv.NewMat()
	defer points.Close()
	straight := gocv.NewMat()
	defer straight.Close()

	// The detector is not safe for concurrent use
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ""
	}
	return o.detector.DetectAndDecode(bgr, &points, &straight)
}

func (o *OpenCVDecoder) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.detector.Close()
}

var _ pipeline.Decoder = (*OpenCVDecoder)(nil)
