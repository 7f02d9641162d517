package ai

import (
	"image"
	"math"
	"strings"
)

// PersonClassID is the COCO class id for "person"
const PersonClassID = 0

// BoundingBox represents a detected object's bounding box in frame pixels
type BoundingBox struct {
	X1         float64 `json:"x1"`         // Left coordinate
	Y1         float64 `json:"y1"`         // Top coordinate
	X2         float64 `json:"x2"`         // Right coordinate
	Y2         float64 `json:"y2"`         // Bottom coordinate
	Confidence float64 `json:"confidence"` // Detection confidence (0.0 to 1.0)
	ClassID    int     `json:"class_id"`   // COCO class ID
	ClassName  string  `json:"class_name"` // Human-readable class name
}

// Width returns the box width, 0 for degenerate boxes
func (b BoundingBox) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

// Height returns the box height, 0 for degenerate boxes
func (b BoundingBox) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

// Area returns the box area
func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

// Center returns the box center point
func (b BoundingBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Rect converts the box to an integer rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(int(math.Floor(b.X1)), int(math.Floor(b.Y1)), int(math.Ceil(b.X2)), int(math.Ceil(b.Y2)))
}

// Scale multiplies the coordinates by sx and sy
func (b BoundingBox) Scale(sx, sy float64) BoundingBox {
	b.X1 *= sx
	b.X2 *= sx
	b.Y1 *= sy
	b.Y2 *= sy
	return b
}

// BoxFromRect converts an integer rectangle to a person box
func BoxFromRect(r image.Rectangle, confidence float64) BoundingBox {
	return BoundingBox{
		X1:         float64(r.Min.X),
		Y1:         float64(r.Min.Y),
		X2:         float64(r.Max.X),
		Y2:         float64(r.Max.Y),
		Confidence: confidence,
		ClassID:    PersonClassID,
		ClassName:  "person",
	}
}

// Demographics is an optional per-person attribute estimate
type Demographics struct {
	Gender     string  `json:"gender"`
	Age        int     `json:"age"` // negative when unknown
	Confidence float64 `json:"confidence,omitempty"`
}

// AgeGroup buckets the age into child, young_adult, adult or senior
func (d Demographics) AgeGroup() string {
	switch {
	case d.Age < 0:
		return "unknown"
	case d.Age < 18:
		return "child"
	case d.Age < 35:
		return "young_adult"
	case d.Age < 60:
		return "adult"
	default:
		return "senior"
	}
}

// Category returns the aggregation key "{gender}_{agegroup}"
func (d Demographics) Category() string {
	gender := strings.ToLower(strings.TrimSpace(d.Gender))
	if gender == "" {
		gender = "unknown"
	}
	return gender + "_" + d.AgeGroup()
}

// Detection is a single person found in a frame
type Detection struct {
	Box          BoundingBox
	Confidence   float64
	Class        string
	IsStaff      bool
	Demographics *Demographics
}

// PoseResult is the outcome of posture classification for one person.
// Severity is 1 (low) to 3 (high); it is only meaningful when Suspicious.
type PoseResult struct {
	Suspicious bool
	Severity   int
	Details    string
}

// Landmark is a normalized body keypoint (0..1 within the person crop)
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility,omitempty"`
}

// Landmarks holds the keypoints used by the posture rules
type Landmarks struct {
	Nose          Landmark `json:"nose"`
	LeftShoulder  Landmark `json:"left_shoulder"`
	RightShoulder Landmark `json:"right_shoulder"`
	LeftElbow     Landmark `json:"left_elbow"`
	RightElbow    Landmark `json:"right_elbow"`
	LeftWrist     Landmark `json:"left_wrist"`
	RightWrist    Landmark `json:"right_wrist"`
	LeftHip       Landmark `json:"left_hip"`
	RightHip      Landmark `json:"right_hip"`
}

// IdentityMatch is a successful lookup against the known-identity registry
type IdentityMatch struct {
	IdentityID int64
	Name       string
	Distance   float64
}

// Confidence maps a match distance into (0, 1] relative to threshold
func (m IdentityMatch) Confidence(threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Max(0, 1-m.Distance/threshold)
}

// InferenceRequest represents a request to the inference service
type InferenceRequest struct {
	Image               string   `json:"image"`                          // Base64-encoded JPEG image
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"` // Optional override
	EnabledClasses      []string `json:"enabled_classes,omitempty"`      // Optional filter
}

// PersonAttributes are optional per-box attributes some detector services return
type PersonAttributes struct {
	IsStaff bool   `json:"is_staff"`
	Gender  string `json:"gender"`
	Age     *int   `json:"age"`
}

// DetectedBox is a bounding box plus optional attributes
type DetectedBox struct {
	BoundingBox
	Attributes *PersonAttributes `json:"attributes,omitempty"`
}

// InferenceResponse represents the response from the detector service
type InferenceResponse struct {
	BoundingBoxes   []DetectedBox `json:"bounding_boxes"`    // Detected objects
	InferenceTimeMs float64       `json:"inference_time_ms"` // Inference duration
	FrameShape      []int         `json:"frame_shape"`       // [height, width]
	DetectionCount  int           `json:"detection_count"`   // Number of detections
}

// EmbeddingResponse is returned by the face embedding service
type EmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
	FaceFound bool      `json:"face_found"`
}

// LandmarkResponse is returned by the pose landmark service
type LandmarkResponse struct {
	Landmarks *Landmarks `json:"landmarks"`
}
