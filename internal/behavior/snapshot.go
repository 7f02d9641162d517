package behavior

import (
	"fmt"
	"strings"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/video"
)

// DefaultSnapshotPadding is the margin kept around a box in alert snapshots
const DefaultSnapshotPadding = 50

// SnapshotKey builds the logical storage key of an alert snapshot:
// YYYY/MM/DD/alert_{type}_{id8}_{YYYYMMDD_HHMMSS}.jpg
func SnapshotKey(alertType AlertType, alertID string, at time.Time) string {
	id := strings.ReplaceAll(alertID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s/alert_%s_%s_%s.jpg",
		at.Format("2006/01/02"),
		alertType,
		id,
		at.Format("20060102_150405"),
	)
}

// CropSnapshot encodes the region around box, grown by padding, as JPEG.
// An empty box snapshots the whole frame.
func CropSnapshot(frame *video.Frame, box ai.BoundingBox, padding, quality int) ([]byte, error) {
	img := frame.Image
	if box.Area() > 0 {
		cropped, err := video.Crop(frame.Image, box.Rect(), padding)
		if err != nil {
			return nil, err
		}
		img = cropped
	}
	return video.EncodeJPEG(img, quality)
}
