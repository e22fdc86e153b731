package entity

import "time"

type PredictionSession struct {
	UID            string            `json:"uid"`
	Timestamp      time.Time         `json:"timestamp"`
	OriginalImage  string            `json:"original_image"`
	PredictedImage string            `json:"predicted_image"`
	Detections     []DetectionObject `json:"detection_objects"`
}

type DetectionObject struct {
	ID            string  `json:"id"`
	PredictionUID string  `json:"-"`
	Label         string  `json:"label"`
	Score         float64 `json:"score"`
	Box           Box     `json:"box"`
}

// PredictionRef is one row of a label or score filter query.
type PredictionRef struct {
	UID       string    `json:"uid"`
	Timestamp time.Time `json:"timestamp"`
}

type PredictionSummary struct {
	PredictionID   string   `json:"prediction_uid"`
	DetectionCount int      `json:"detection_count"`
	Labels         []string `json:"labels"`
	OriginalKey    string   `json:"original_image_s3_key,omitempty"`
	PredictedKey   string   `json:"predicted_image_s3_key,omitempty"`
	Duplicate      bool     `json:"duplicate,omitempty"`
}

// Box is x1, y1, x2, y2 in pixels.
type Box [4]float64

func (b Box) Valid() bool {
	return b[0] <= b[2] && b[1] <= b[3]
}

func (b Box) Normalize() Box {
	if b[0] > b[2] {
		b[0], b[2] = b[2], b[0]
	}
	if b[1] > b[3] {
		b[1], b[3] = b[3], b[1]
	}
	return b
}

// Detection is a raw detector result before it is attached to a session.
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   Box     `json:"box"`
}
