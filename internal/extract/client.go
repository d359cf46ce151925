// Package extract talks to the face embedding server that turns camera frames
// into descriptors.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

const defaultExtractorURL = "http://localhost:8000"

// ErrMultipleFaces is returned by Extract in strict mode when a frame holds more than one face.
var ErrMultipleFaces = errors.New("multiple faces in frame")

// Client computes face descriptors using the embedding server.
type Client struct {
	baseURL  string
	client   *http.Client
	maxSize  int
	minScore float64
	strict   bool
}

// Option configures a Client.
type Option func(*Client)

// WithMinScore ignores detections below the given detector score.
func WithMinScore(score float64) Option {
	return func(c *Client) { c.minScore = score }
}

// WithStrict makes Extract fail when more than one face is detected.
func WithStrict() Option {
	return func(c *Client) { c.strict = true }
}

// WithMaxFrameSize sets the longest edge frames are downscaled to before upload (0 disables).
func WithMaxFrameSize(px int) Option {
	return func(c *Client) { c.maxSize = px }
}

// NewClient returns a client for the embedding server at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultExtractorURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		maxSize: constants.MaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FaceDetection is one face reported by the embedding server.
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // x1, y1, x2, y2
	DetScore  float64   `json:"det_score"`
}

// FaceResponse is the body of POST /embed/face.
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// maxResponseBytes bounds what we read back from the embedding server.
const maxResponseBytes = 8 << 20

// ServerError is a non-200 answer from the embedding server.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("embedding server returned %d: %s", e.Status, e.Body)
}

// Temporary reports whether retrying later may succeed (model loading, overload).
func (e *ServerError) Temporary() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

func encodeFrameForm(frame preparedFrame) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="frame.%s"`, frame.format))
	header.Set("Content-Type", frame.mimeType())
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("creating form part: %w", err)
	}
	if _, err := part.Write(frame.data); err != nil {
		return nil, "", fmt.Errorf("writing frame: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return body, form.FormDataContentType(), nil
}

// DetectFaces uploads a frame and returns every face the server found.
func (c *Client) DetectFaces(ctx context.Context, frame []byte) (*FaceResponse, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}
	prepared, err := prepareFrame(frame, c.maxSize)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeFrameForm(prepared)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/face", body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &ServerError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out FaceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	return &out, nil
}

// Extract returns the descriptor of the most confident face in the frame,
// or nil when no face passes the detector score floor.
func (c *Client) Extract(ctx context.Context, frame []byte) ([]float32, error) {
	resp, err := c.DetectFaces(ctx, frame)
	if err != nil {
		return nil, err
	}

	var best *FaceDetection
	found := 0
	for i := range resp.Faces {
		f := &resp.Faces[i]
		if len(f.Embedding) == 0 || f.DetScore < c.minScore {
			continue
		}
		found++
		if best == nil || f.DetScore > best.DetScore {
			best = f
		}
	}
	if best == nil {
		return nil, nil
	}
	if c.strict && found > 1 {
		return nil, fmt.Errorf("%w: %d", ErrMultipleFaces, found)
	}
	return best.Embedding, nil
}
