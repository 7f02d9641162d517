package ai

import (
	"context"
	"fmt"
	"math"

	"github.com/vzahanych/storeguard/internal/video"
)

const (
	pocketDistance = 0.15
	bentOverMargin = 0.1
)

// LandmarkPoseClassifier implements PoseClassifier with rules over body
// landmarks supplied by a LandmarkEstimator.
type LandmarkPoseClassifier struct {
	estimator LandmarkEstimator
	padding   int
}

// NewLandmarkPoseClassifier creates a classifier that crops each person with
// padding pixels of context before estimating landmarks.
func NewLandmarkPoseClassifier(estimator LandmarkEstimator, padding int) *LandmarkPoseClassifier {
	return &LandmarkPoseClassifier{estimator: estimator, padding: padding}
}

// Classify implements PoseClassifier
func (c *LandmarkPoseClassifier) Classify(ctx context.Context, frame *video.Frame, box BoundingBox) (PoseResult, error) {
	crop, err := video.Crop(frame.Image, box.Rect(), c.padding)
	if err != nil {
		return PoseResult{}, err
	}

	lm, err := c.estimator.Landmarks(ctx, crop)
	if err != nil {
		return PoseResult{}, fmt.Errorf("failed to estimate landmarks: %w", err)
	}
	if lm == nil {
		return PoseResult{Severity: 1, Details: "no pose detected"}, nil
	}
	return ClassifyLandmarks(*lm), nil
}

// ClassifyLandmarks applies the posture rules. Combinations of cues are high
// severity, a single cue is medium, anything else is normal.
func ClassifyLandmarks(lm Landmarks) PoseResult {
	handsExtended := lm.LeftWrist.X < 0.2 || lm.LeftWrist.X > 0.8 ||
		lm.RightWrist.X < 0.2 || lm.RightWrist.X > 0.8

	nearPockets := distance(lm.LeftWrist, lm.LeftHip) < pocketDistance ||
		distance(lm.RightWrist, lm.RightHip) < pocketDistance

	leftCrossing := lm.LeftWrist.X < lm.Nose.X
	if lm.LeftShoulder.X < lm.Nose.X {
		leftCrossing = lm.LeftWrist.X > lm.Nose.X
	}
	rightCrossing := lm.RightWrist.X > lm.Nose.X
	if lm.RightShoulder.X > lm.Nose.X {
		rightCrossing = lm.RightWrist.X < lm.Nose.X
	}
	concealment := leftCrossing || rightCrossing

	// image y grows downwards
	bentOver := lm.Nose.Y > (lm.LeftHip.Y+lm.RightHip.Y)/2-bentOverMargin

	grabbing := (lm.LeftElbow.Y < lm.LeftShoulder.Y && lm.LeftWrist.Y < lm.LeftElbow.Y) ||
		(lm.RightElbow.Y < lm.RightShoulder.Y && lm.RightWrist.Y < lm.RightElbow.Y)

	switch {
	case nearPockets && (concealment || bentOver):
		return PoseResult{Suspicious: true, Severity: 3, Details: "hands near pockets with concealment or bending"}
	case handsExtended && bentOver:
		return PoseResult{Suspicious: true, Severity: 3, Details: "reaching for items while bent over"}
	case grabbing && concealment:
		return PoseResult{Suspicious: true, Severity: 3, Details: "grabbing motion with concealment posture"}
	case nearPockets:
		return PoseResult{Suspicious: true, Severity: 2, Details: "hands near pockets or waistband"}
	case concealment:
		return PoseResult{Suspicious: true, Severity: 2, Details: "possible concealment posture"}
	case grabbing:
		return PoseResult{Suspicious: true, Severity: 2, Details: "grabbing motion"}
	}
	return PoseResult{Severity: 1, Details: "normal posture"}
}

func distance(a, b Landmark) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
