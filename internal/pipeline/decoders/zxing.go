package decoders

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	"github.com/cyclopcam/logs"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"keydot/internal/pipeline"
)

// zxingFormats lists the symbologies the software backend reads, in the
// order tried when hints do not restrict them
var zxingFormats = []pipeline.Format{
	pipeline.FormatDataMatrix,
	pipeline.FormatQRCode,
	pipeline.FormatCode128,
}

var zxingBarcodeFormats = map[pipeline.Format]gozxing.BarcodeFormat{
	pipeline.FormatDataMatrix: gozxing.BarcodeFormat_DATA_MATRIX,
	pipeline.FormatQRCode:     gozxing.BarcodeFormat_QR_CODE,
	pipeline.FormatCode128:    gozxing.BarcodeFormat_CODE_128,
}

func newZXingReader(f pipeline.Format) gozxing.Reader {
	switch f {
	case pipeline.FormatDataMatrix:
		return datamatrix.NewDataMatrixReader()
	case pipeline.FormatQRCode:
		return qrcode.NewQRCodeReader()
	case pipeline.FormatCode128:
		return oned.NewCode128Reader()
	}
	return nil
}

func formatFromZXing(bf gozxing.BarcodeFormat) pipeline.Format {
	for f, z := range zxingBarcodeFormats {
		if z == bf {
			return f
		}
	}
	return pipeline.Format(bf.String())
}

// ZXingDecoder is the software-library backend
type ZXingDecoder struct {
	log logs.Log
}

// NewZXingDecoder creates the software decoder
func NewZXingDecoder(log logs.Log) *ZXingDecoder {
	return &ZXingDecoder{log: log}
}

func (z *ZXingDecoder) Name() string {
	return "zxing"
}

func (z *ZXingDecoder) Backend() pipeline.BackendKind {
	return pipeline.BackendSoftware
}

func (z *ZXingDecoder) IsHealthy() bool {
	return true
}

// Decode tries each permitted symbology, then the inverted image if requested
func (z *ZXingDecoder) Decode(ctx context.Context, img image.Image, hints pipeline.DecodeHints) (*pipeline.DecodedPayload, error) {
	formats := z.formats(hints)
	if len(formats) == 0 {
		return nil, nil
	}

	p, err := z.decodeImage(ctx, img, formats, hints.TryHarder)
	if p != nil || err != nil || !hints.TryInvert {
		return p, err
	}

	inv := image.NewRGBA(img.Bounds())
	draw.Draw(inv, inv.Bounds(), img, img.Bounds().Min, draw.Src)
	pipeline.InvertRGBA(inv)
	return z.decodeImage(ctx, inv, formats, hints.TryHarder)
}

func (z *ZXingDecoder) decodeImage(ctx context.Context, img image.Image, formats []pipeline.Format, tryHarder bool) (*pipeline.DecodedPayload, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("zxing bitmap: %w", err)
	}

	for _, f := range formats {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		hints := map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_POSSIBLE_FORMATS: []gozxing.BarcodeFormat{zxingBarcodeFormats[f]},
		}
		if tryHarder {
			hints[gozxing.DecodeHintType_TRY_HARDER] = true
		}
		result, err := newZXingReader(f).Decode(bmp, hints)
		if err != nil {
			// Not found, checksum and format errors all mean "no symbol" here
			continue
		}
		return &pipeline.DecodedPayload{
			Format: formatFromZXing(result.GetBarcodeFormat()),
			Text:   result.GetText(),
		}, nil
	}
	return nil, nil
}

func (z *ZXingDecoder) formats(hints pipeline.DecodeHints) []pipeline.Format {
	if len(hints.Formats) == 0 {
		return zxingFormats
	}
	out := make([]pipeline.Format, 0, len(hints.Formats))
	for _, f := range hints.Formats {
		if _, ok := zxingBarcodeFormats[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (z *ZXingDecoder) Close() error {
	return nil
}

var _ pipeline.Decoder = (*ZXingDecoder)(nil)
