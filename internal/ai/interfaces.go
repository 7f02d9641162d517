package ai

import (
	"context"
	"image"

	"github.com/vzahanych/storeguard/internal/video"
)

// Detector finds people in a frame. Boxes are in the frame's pixel space.
type Detector interface {
	Detect(ctx context.Context, frame *video.Frame) ([]Detection, error)
}

// PoseClassifier decides whether the person inside box shows a suspicious posture
type PoseClassifier interface {
	Classify(ctx context.Context, frame *video.Frame, box BoundingBox) (PoseResult, error)
}

// LandmarkEstimator extracts body keypoints from a person crop. It returns
// nil landmarks when no body is found.
type LandmarkEstimator interface {
	Landmarks(ctx context.Context, crop image.Image) (*Landmarks, error)
}

// FaceEmbedder computes a face embedding for a person crop. It returns a nil
// slice when no face is visible.
type FaceEmbedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float64, error)
}

// IdentityMatcher looks an embedding up against known identities
type IdentityMatcher interface {
	Match(embedding []float64) (IdentityMatch, bool)
}
