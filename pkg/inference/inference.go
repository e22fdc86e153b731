// Package inference is the boundary to the object detector. The model runs in
// a separate service; this package posts images to it and draws the returned
// boxes onto a copy of the image.
package inference

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"time"
	"yolodetect/internal/entity"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/go-resty/resty/v2"
)

type IDetector interface {
	Detect(ctx context.Context, imagePath string) ([]entity.Detection, error)
	Annotate(srcPath string, dstPath string, detections []entity.Detection) error
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

// wireDetection keeps Score a pointer so a missing score is told apart
// from a zero one.
type wireDetection struct {
	Label string     `json:"label"`
	Score *float64   `json:"score"`
	Box   entity.Box `json:"box"`
}

type httpDetector struct {
	client *resty.Client
	url    string
}

func NewHTTPDetector(url string, timeout time.Duration) IDetector {
	return &httpDetector{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

func (d *httpDetector) Detect(ctx context.Context, imagePath string) ([]entity.Detection, error) {
	var result detectResponse

	resp, err := d.client.R().
		SetContext(ctx).
		SetFile("file", imagePath).
		SetResult(&result).
		Post(d.url)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode())
	}

	detections := make([]entity.Detection, 0, len(result.Detections))
	for _, det := range result.Detections {
		if det.Score == nil {
			return nil, fmt.Errorf("detection %q has no score", det.Label)
		}
		detections = append(detections, entity.Detection{
			Label: det.Label,
			Score: math.Min(1, math.Max(0, *det.Score)),
			Box:   det.Box.Normalize(),
		})
	}

	return detections, nil
}

var boxColor = color.NRGBA{R: 255, G: 56, B: 56, A: 255}

const boxThickness = 2

func (d *httpDetector) Annotate(srcPath string, dstPath string, detections []entity.Detection) error {
	return Annotate(srcPath, dstPath, detections)
}

// Annotate writes srcPath with an outline around every detection to dstPath.
// Outlines are stroked inside the box so they never cover pixels outside it.
func Annotate(srcPath string, dstPath string, detections []entity.Detection) error {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	dc := gg.NewContextForImage(src)
	dc.SetColor(boxColor)
	dc.SetLineWidth(boxThickness)

	inset := float64(boxThickness) / 2
	for _, det := range detections {
		b := det.Box
		w, h := b[2]-b[0]-boxThickness, b[3]-b[1]-boxThickness
		if w < 0 || h < 0 {
			continue
		}
		dc.DrawRectangle(b[0]+inset, b[1]+inset, w, h)
		dc.Stroke()
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	if err := imaging.Save(dc.Image(), dstPath); err != nil {
		return fmt.Errorf("save annotated image: %w", err)
	}

	return nil
}
