package database

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"keydot/internal/geometry"
	"keydot/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(logs.NewTestingLog(t), ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDecodeEventRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &DecodeEventRecord{
		ID:         "ev-1",
		SessionID:  "s1",
		Sequence:   42,
		Timestamp:  ts,
		Label:      "code",
		Confidence: 0.75,
		Box:        geometry.NewRect(1, 2, 3, 4),
		Region:     geometry.RectInt{Left: 0, Top: 1, Right: 5, Bottom: 6},
		Format:     "QR_CODE",
		Text:       "hello",
		Backend:    "zxing",
		CropPath:   "/tmp/crop_000001.png",
	}
	require.NoError(t, db.SaveDecodeEvent(in))

	out, err := db.GetDecodeEvent("ev-1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.True(t, ts.Equal(out.Timestamp))
	out.Timestamp = in.Timestamp
	require.Equal(t, in, out)

	missing, err := db.GetDecodeEvent("nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestListDecodeEventsFilters(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, f := range []string{"QR_CODE", "DATA_MATRIX", "QR_CODE"} {
		require.NoError(t, db.SaveDecodeEvent(&DecodeEventRecord{
			ID:        string(rune('a' + i)),
			SessionID: "s1",
			Sequence:  uint64(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Format:    f,
		}))
	}

	all, err := db.ListDecodeEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].ID)

	qr, err := db.ListDecodeEvents(EventFilter{Format: "QR_CODE"})
	require.NoError(t, err)
	require.Len(t, qr, 2)

	since := base.Add(30 * time.Second)
	recent, err := db.ListDecodeEvents(EventFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "c", recent[0].ID)

	none, err := db.ListDecodeEvents(EventFilter{SessionID: "other"})
	require.NoError(t, err)
	require.Empty(t, none)
	require.NotNil(t, none)

	n, err := db.DeleteOldDecodeEvents(base.Add(90 * time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestConfigValues(t *testing.T) {
	db := openTestDB(t)
	v, err := db.GetConfig("missing")
	require.NoError(t, err)
	require.Equal(t, "", v)

	require.NoError(t, db.SaveConfig("k", "1"))
	require.NoError(t, db.SaveConfig("k", "17"))
	n, err := db.GetConfigUint("k")
	require.NoError(t, err)
	require.EqualValues(t, 17, n)

	require.NoError(t, db.SaveConfig("bad", "x"))
	_, err = db.GetConfigUint("bad")
	require.Error(t, err)
}

func testRegion(w, h int) *pipeline.Region {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return &pipeline.Region{Rect: geometry.RectInt{Right: w, Bottom: h}, Image: img}
}

func decodedResult(seq uint64, text string) pipeline.TrackedResult {
	return pipeline.TrackedResult{
		Sequence:   seq,
		Label:      "code",
		Confidence: 0.9,
		Payload:    &pipeline.DecodedPayload{Format: pipeline.FormatDataMatrix, Text: text, Backend: "zxing"},
	}
}

func TestRecorderWritesEventsAndCrops(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	rec, err := NewRecorder(logs.NewTestingLog(t), db, RecorderConfig{CropDir: dir})
	require.NoError(t, err)

	region := testRegion(8, 6)
	rec.OnRegion(1, decodedResult(1, "A"), region)
	// The recorder owns a copy; the caller may reuse its buffer
	region.Image.Pix[0] = 0
	rec.OnRegion(2, pipeline.TrackedResult{Sequence: 2, Label: "code"}, testRegion(4, 4))
	require.NoError(t, rec.Close(context.Background()))

	require.EqualValues(t, 2, rec.Stats().Recorded)
	events, err := db.ListDecodeEvents(EventFilter{SessionID: rec.SessionID()})
	require.NoError(t, err)
	require.Len(t, events, 2)

	var first *DecodeEventRecord
	for _, e := range events {
		if e.Sequence == 1 {
			first = e
		}
	}
	require.NotNil(t, first)
	require.Equal(t, "A", first.Text)
	require.Equal(t, filepath.Join(dir, "crop_000001.png"), first.CropPath)

	f, err := os.Open(first.CropPath)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	r, _, _, _ := img.At(0, 0).RGBA()
	require.EqualValues(t, 0x8080, r)

	n, err := db.GetConfigUint(cropCounterKey)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestRecorderCounterSurvivesRestart(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveConfig(cropCounterKey, "41"))
	dir := t.TempDir()

	rec, err := NewRecorder(logs.NewTestingLog(t), db, RecorderConfig{CropDir: dir})
	require.NoError(t, err)
	rec.OnRegion(1, decodedResult(1, "A"), testRegion(2, 2))
	require.NoError(t, rec.Close(context.Background()))

	_, err = os.Stat(filepath.Join(dir, "crop_000042.png"))
	require.NoError(t, err)
}

func TestRecorderOnlyDecodedAndDedup(t *testing.T) {
	db := openTestDB(t)
	rec, err := NewRecorder(logs.NewTestingLog(t), db, RecorderConfig{OnlyDecoded: true, DedupWindow: time.Hour})
	require.NoError(t, err)

	rec.OnRegion(1, pipeline.TrackedResult{Sequence: 1}, testRegion(2, 2))
	rec.OnRegion(2, decodedResult(2, "A"), testRegion(2, 2))
	rec.OnRegion(3, decodedResult(3, "A"), testRegion(2, 2))
	rec.OnRegion(4, decodedResult(4, "B"), testRegion(2, 2))
	require.NoError(t, rec.Close(context.Background()))

	stats := rec.Stats()
	require.EqualValues(t, 2, stats.Recorded)
	require.EqualValues(t, 1, stats.Duplicates)

	events, err := db.ListDecodeEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		require.Empty(t, e.CropPath)
	}
}
