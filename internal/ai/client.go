package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/video"
)

// Client is an HTTP client for the external inference services. One client
// serves person detection, pose landmarks and face embeddings; each endpoint
// is optional.
type Client struct {
	detectorURL       string
	poseURL           string
	faceURL           string
	httpClient        *http.Client
	logger            *logger.Logger
	defaultConfidence float64
	enabledClasses    []string
	jpegQuality       int
}

// ClientConfig contains configuration for the inference client
type ClientConfig struct {
	DetectorURL         string
	PoseURL             string
	FaceURL             string
	Timeout             time.Duration
	ConfidenceThreshold float64
	EnabledClasses      []string
	JPEGQuality         int
}

// NewClient creates a new inference client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if len(config.EnabledClasses) == 0 {
		config.EnabledClasses = []string{"person"}
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		detectorURL: strings.TrimRight(config.DetectorURL, "/"),
		poseURL:     strings.TrimRight(config.PoseURL, "/"),
		faceURL:     strings.TrimRight(config.FaceURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:            log,
		defaultConfidence: config.ConfidenceThreshold,
		enabledClasses:    config.EnabledClasses,
		jpegQuality:       config.JPEGQuality,
	}
}

// Detect implements Detector. Only person boxes at or above the configured
// confidence are returned.
func (c *Client) Detect(ctx context.Context, frame *video.Frame) ([]Detection, error) {
	if c.detectorURL == "" {
		return nil, fmt.Errorf("detector endpoint not configured")
	}

	imageBase64, err := c.encode(frame.Image)
	if err != nil {
		return nil, err
	}

	req := InferenceRequest{
		Image:          imageBase64,
		EnabledClasses: c.enabledClasses,
	}
	if c.defaultConfidence > 0 {
		req.ConfidenceThreshold = &c.defaultConfidence
	}

	var resp InferenceResponse
	startTime := time.Now()
	if err := c.postJSON(ctx, c.detectorURL+"/api/v1/inference", req, &resp); err != nil {
		return nil, err
	}

	detections := make([]Detection, 0, len(resp.BoundingBoxes))
	for _, box := range resp.BoundingBoxes {
		if box.ClassID != PersonClassID && box.ClassName != "person" {
			continue
		}
		if box.Confidence < c.defaultConfidence {
			continue
		}
		det := Detection{
			Box:        box.BoundingBox,
			Confidence: box.Confidence,
			Class:      "person",
		}
		if attrs := box.Attributes; attrs != nil {
			det.IsStaff = attrs.IsStaff
			if attrs.Gender != "" || attrs.Age != nil {
				d := &Demographics{Gender: attrs.Gender, Age: -1}
				if attrs.Age != nil {
					d.Age = *attrs.Age
				}
				det.Demographics = d
			}
		}
		detections = append(detections, det)
	}

	c.logger.Debug(
		"Inference completed",
		"camera_id", frame.CameraID,
		"detection_count", len(detections),
		"inference_time_ms", resp.InferenceTimeMs,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	return detections, nil
}

// Landmarks implements LandmarkEstimator
func (c *Client) Landmarks(ctx context.Context, crop image.Image) (*Landmarks, error) {
	if c.poseURL == "" {
		return nil, fmt.Errorf("pose endpoint not configured")
	}

	imageBase64, err := c.encode(crop)
	if err != nil {
		return nil, err
	}

	var resp LandmarkResponse
	if err := c.postJSON(ctx, c.poseURL+"/api/v1/pose", InferenceRequest{Image: imageBase64}, &resp); err != nil {
		return nil, err
	}
	return resp.Landmarks, nil
}

// Embed implements FaceEmbedder
func (c *Client) Embed(ctx context.Context, crop image.Image) ([]float64, error) {
	if c.faceURL == "" {
		return nil, fmt.Errorf("face endpoint not configured")
	}

	imageBase64, err := c.encode(crop)
	if err != nil {
		return nil, err
	}

	var resp EmbeddingResponse
	if err := c.postJSON(ctx, c.faceURL+"/api/v1/embedding", InferenceRequest{Image: imageBase64}, &resp); err != nil {
		return nil, err
	}
	if !resp.FaceFound || len(resp.Embedding) == 0 {
		return nil, nil
	}
	return resp.Embedding, nil
}

// HealthCheck checks that every configured endpoint is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	for _, base := range []string{c.detectorURL, c.poseURL, c.faceURL} {
		if base == "" {
			continue
		}
		if err := c.checkReady(ctx, base); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) checkReady(ctx context.Context, base string) error {
	url := fmt.Sprintf("%s/health/ready", base)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service %s health check failed: status %d", base, resp.StatusCode)
	}

	return nil
}

// SetConfidenceThreshold updates the default confidence threshold
func (c *Client) SetConfidenceThreshold(threshold float64) {
	c.defaultConfidence = threshold
}

func (c *Client) encode(img image.Image) (string, error) {
	data, err := video.EncodeJPEG(img, c.jpegQuality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn(
			"Inference service returned error",
			"url", url,
			"status", resp.StatusCode,
			"response", string(body),
		)
		return fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
