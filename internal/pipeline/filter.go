package pipeline

// FilterDetections keeps detections with a location and Confidence >= minConfidence.
// Order is preserved and the input slice is not modified.
func FilterDetections(dets []Detection, minConfidence float32) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Box == nil || !(d.Confidence >= minConfidence) { // NaN fails too
			continue
		}
		out = append(out, d)
	}
	return out
}
