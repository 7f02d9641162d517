package video

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"time"
)

// Frame is a decoded video frame owned by a single stream worker
type Frame struct {
	CameraID  string
	Image     image.Image
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64 // position in the stream, starting at 1
}

// NewFrame wraps an image into a frame, filling the dimensions from its bounds
func NewFrame(cameraID string, img image.Image, ts time.Time, seq uint64) *Frame {
	b := img.Bounds()
	return &Frame{
		CameraID:  cameraID,
		Image:     img,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Timestamp: ts,
		Seq:       seq,
	}
}

// Area returns the pixel count of the frame
func (f *Frame) Area() int {
	return f.Width * f.Height
}

// Downsample returns a copy of the frame scaled to fit within width x height,
// keeping the aspect ratio. Frames already within bounds are returned as is.
func (f *Frame) Downsample(width, height int) *Frame {
	if width <= 0 || height <= 0 || (f.Width <= width && f.Height <= height) {
		return f
	}

	scale := float64(width) / float64(f.Width)
	if s := float64(height) / float64(f.Height); s < scale {
		scale = s
	}
	w := int(float64(f.Width)*scale + 0.5)
	h := int(float64(f.Height)*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	out := *f
	out.Image = Resize(f.Image, w, h)
	out.Width = w
	out.Height = h
	return &out
}

// Resize scales an image with nearest-neighbour sampling
func Resize(img image.Image, width, height int) *image.RGBA {
	bounds := img.Bounds()
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	src, isRGBA := img.(*image.RGBA)

	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + (y*origHeight)/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + (x*origWidth)/width
			if isRGBA {
				resized.SetRGBA(x, y, src.RGBAAt(srcX, srcY))
				continue
			}
			resized.Set(x, y, img.At(srcX, srcY))
		}
	}

	return resized
}

// Crop copies the region r grown by padding on every side, clamped to the
// image bounds.
func Crop(img image.Image, r image.Rectangle, padding int) (image.Image, error) {
	bounds := img.Bounds()
	padded := image.Rect(r.Min.X-padding, r.Min.Y-padding, r.Max.X+padding, r.Max.Y+padding).Intersect(bounds)
	if padded.Empty() {
		return nil, fmt.Errorf("crop region %v outside image bounds %v", r, bounds)
	}

	out := image.NewRGBA(image.Rect(0, 0, padded.Dx(), padded.Dy()))
	draw.Draw(out, out.Bounds(), img, padded.Min, draw.Src)
	return out, nil
}

// EncodeJPEG encodes an image as JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes a JPEG image
func DecodeJPEG(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG: %w", err)
	}
	return img, nil
}
