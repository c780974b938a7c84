// Package extractor is the client of the face embedding server. It turns a
// camera frame into the embedding of the most prominent face in it.
package extractor

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

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/kozaktomas/faceguard/internal/biometric"
)

const (
	defaultBaseURL    = "http://localhost:8000"
	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	faceEndpoint      = "/embed/face"
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	Dim          int // expected embedding length, 0 accepts any
	MaxImageSize int
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
}

// Client calls the embedding server's face endpoint.
type Client struct {
	baseURL      string
	dim          int
	maxImageSize int
	maxRetries   int
	retryDelay   time.Duration
	client       *http.Client
	log          logr.Logger
}

// NewClient creates a new extractor client
func NewClient(cfg Config, log logr.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		dim:          cfg.Dim,
		maxImageSize: cfg.MaxImageSize,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		client:       &http.Client{Timeout: cfg.Timeout},
		log:          log,
	}
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// Area returns the bounding box area, or 0 for a malformed box.
func (f FaceDetection) Area() float64 {
	if len(f.BBox) != 4 {
		return 0
	}
	w := f.BBox[2] - f.BBox[0]
	h := f.BBox[3] - f.BBox[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// APIError is a non-200 answer of the embedding server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// retryable reports whether a failed request may succeed when repeated.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// postMultipartImage posts the image as multipart field "file" and returns the response body.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// DetectFaces uploads an already prepared JPEG and returns every detected
// face. Transport errors and 5xx answers are retried with exponential backoff.
func (c *Client) DetectFaces(ctx context.Context, jpegData []byte) (*FaceResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxInterval = maxRetryDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	var body []byte
	op := func() error {
		var err error
		body, err = c.postMultipartImage(ctx, faceEndpoint, jpegData)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		c.log.Info("embedding server request failed, retrying", "error", err.Error(), "delay", delay)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &faceResp, nil
}

// Extract implements biometric.Extractor: it prepares the frame, detects
// faces and returns the embedding of the most prominent one.
func (c *Client) Extract(ctx context.Context, image []byte) (biometric.Embedding, error) {
	prepared, err := PrepareImage(image, c.maxImageSize)
	if err != nil {
		return nil, err
	}

	resp, err := c.DetectFaces(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	face, ok := ProminentFace(resp.Faces)
	if !ok {
		return nil, biometric.ErrNoFaceDetected
	}
	if len(face.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if c.dim > 0 && len(face.Embedding) != c.dim {
		return nil, &biometric.DimensionMismatchError{Expected: c.dim, Actual: len(face.Embedding)}
	}

	if len(resp.Faces) > 1 {
		c.log.V(1).Info("multiple faces in frame, using the largest", "faces", len(resp.Faces), "faceIndex", face.FaceIndex)
	}
	return biometric.Embedding(face.Embedding), nil
}

// ProminentFace picks the face with the largest bounding box. Ties go to the
// higher detection score.
func ProminentFace(faces []FaceDetection) (FaceDetection, bool) {
	if len(faces) == 0 {
		return FaceDetection{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		area, bestArea := f.Area(), best.Area()
		if area > bestArea || (area == bestArea && f.DetScore > best.DetScore) {
			best = f
		}
	}
	return best, true
}

// BaseURL returns the embedding server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}
