package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

// ProbeSource produces the next probe descriptor for a polling session.
// A nil descriptor means the frame contained no face.
type ProbeSource interface {
	Next(ctx context.Context) ([]float32, error)
}

// ProbeSourceFunc adapts a function to ProbeSource.
type ProbeSourceFunc func(ctx context.Context) ([]float32, error)

// Next calls f.
func (f ProbeSourceFunc) Next(ctx context.Context) ([]float32, error) {
	return f(ctx)
}

// FrameSource captures a still frame from a camera.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// FrameProbes turns captured frames into probes using an extractor.
func FrameProbes(src FrameSource, ex Extractor) ProbeSource {
	return ProbeSourceFunc(func(ctx context.Context) ([]float32, error) {
		frame, err := src.Frame(ctx)
		if err != nil {
			return nil, err
		}
		return ex.Extract(ctx, frame)
	})
}

// HTTPFrameSource fetches JPEG snapshots from an IP camera URL.
type HTTPFrameSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPFrameSource creates a frame source for a camera snapshot URL.
func NewHTTPFrameSource(url string, timeout time.Duration) *HTTPFrameSource {
	return &HTTPFrameSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Frame fetches one snapshot.
func (h *HTTPFrameSource) Frame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create snapshot request: %w", err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxFrameBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) > constants.MaxFrameBytes {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", constants.MaxFrameBytes)
	}
	return data, nil
}
