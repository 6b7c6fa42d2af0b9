package vision

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"sync/atomic"
	"time"
)

// SnapshotCamera fetches still images from an HTTP endpoint, e.g. the
// /snapshot handler of an ESP32-CAM or mjpg-streamer.
type SnapshotCamera struct {
	URL    string
	Client *http.Client

	seq atomic.Uint64
}

// NewSnapshotCamera returns a camera with a bounded request timeout.
func NewSnapshotCamera(url string, timeout time.Duration) *SnapshotCamera {
	return &SnapshotCamera{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (c *SnapshotCamera) Capture(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %s", resp.Status)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &Frame{Seq: c.seq.Add(1), Timestamp: time.Now(), Image: img}, nil
}
