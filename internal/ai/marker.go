package ai

import (
	"context"
	"image"
	"image/color"
	"sort"

	"github.com/vzahanych/storeguard/internal/video"
)

// MarkerDetector finds the marker-coloured people drawn by synthetic sources.
// It lets the whole pipeline run without an inference service.
type MarkerDetector struct {
	// Demographics and Staff are keyed by marker index
	Demographics map[int]Demographics
	Staff        map[int]bool
	// MinPixels filters out specks left by scaling
	MinPixels int
}

// NewMarkerDetector creates a detector with no attributes
func NewMarkerDetector() *MarkerDetector {
	return &MarkerDetector{MinPixels: 4}
}

// Detect implements Detector
func (d *MarkerDetector) Detect(ctx context.Context, frame *video.Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type extent struct {
		rect   image.Rectangle
		pixels int
	}
	found := make(map[int]*extent)

	bounds := frame.Image.Bounds()
	rgba, isRGBA := frame.Image.(*image.RGBA)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var c color.RGBA
			if isRGBA {
				c = rgba.RGBAAt(x, y)
			} else {
				c = color.RGBAModel.Convert(frame.Image.At(x, y)).(color.RGBA)
			}
			idx, ok := video.MarkerIndex(c)
			if !ok {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if e, exists := found[idx]; exists {
				e.rect = e.rect.Union(px)
				e.pixels++
			} else {
				found[idx] = &extent{rect: px, pixels: 1}
			}
		}
	}

	indexes := make([]int, 0, len(found))
	for idx, e := range found {
		if e.pixels >= d.MinPixels {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	detections := make([]Detection, 0, len(indexes))
	for _, idx := range indexes {
		det := Detection{
			Box:        BoxFromRect(found[idx].rect, 0.99),
			Confidence: 0.99,
			Class:      "person",
			IsStaff:    d.Staff[idx],
		}
		if demo, ok := d.Demographics[idx]; ok {
			demo := demo
			det.Demographics = &demo
		}
		detections = append(detections, det)
	}
	return detections, nil
}
