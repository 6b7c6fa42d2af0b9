package vision

// WindowTracker is a Tracker built on a Detector. It re-detects the
// reference color over the whole frame and, between re-detections, only
// accepts blobs whose center stays inside the previous box grown by
// Margin pixels.
type WindowTracker struct {
	Detector Detector
	Color    string
	MinArea  float64
	Margin   int

	last  BBox
	valid bool
}

// NewWindowTracker returns a tracker for the given marker color.
func NewWindowTracker(d Detector, color string, minArea float64, margin int) *WindowTracker {
	return &WindowTracker{Detector: d, Color: color, MinArea: minArea, Margin: margin}
}

func (t *WindowTracker) Redetect(frame *Frame) (BBox, bool) {
	d, ok := Largest(t.Detector.Detect(frame, t.Color), t.MinArea, nil)
	if !ok {
		t.valid = false
		return BBox{}, false
	}
	t.last, t.valid = d.BBox, true
	return d.BBox, true
}

func (t *WindowTracker) Track(frame *Frame) (BBox, bool) {
	if !t.valid {
		return BBox{}, false
	}
	window := t.last.Grow(t.Margin)
	prev := t.last.Center()

	var best Detection
	found := false
	for _, d := range t.Detector.Detect(frame, t.Color) {
		if d.Area < t.MinArea || !window.Contains(d.Center) {
			continue
		}
		if !found || d.Center.Dist(prev) < best.Center.Dist(prev) {
			best, found = d, true
		}
	}
	if !found {
		t.valid = false
		return BBox{}, false
	}
	t.last = best.BBox
	return best.BBox, true
}

func (t *WindowTracker) Reset() {
	t.last, t.valid = BBox{}, false
}
