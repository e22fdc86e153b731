package prediction

import (
	"time"
	"yolodetect/internal/entity"
)

// ProcessRequest is the shape shared by the HTTP and queue paths. A non-empty
// PredictionID is authoritative and replaces fresh id generation.
type ProcessRequest struct {
	Image        []byte
	UserID       string
	PredictionID string
}

type PredictFromS3Request struct {
	S3Key  string `json:"s3_key" validate:"required"`
	UserID string `json:"user_id"`
}

type ScoreFilterRequest struct {
	MinScore float64 `validate:"gte=0,lte=1"`
}

type DetectionObjectResponse struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Score float64    `json:"score"`
	Box   entity.Box `json:"box"`
}

type PredictionResponse struct {
	UID              string                    `json:"uid"`
	Timestamp        time.Time                 `json:"timestamp"`
	OriginalImage    string                    `json:"original_image"`
	PredictedImage   string                    `json:"predicted_image"`
	DetectionObjects []DetectionObjectResponse `json:"detection_objects"`
}

func NewPredictionResponse(session entity.PredictionSession) PredictionResponse {
	objects := make([]DetectionObjectResponse, 0, len(session.Detections))
	for _, d := range session.Detections {
		objects = append(objects, DetectionObjectResponse{
			ID:    d.ID,
			Label: d.Label,
			Score: d.Score,
			Box:   d.Box,
		})
	}

	return PredictionResponse{
		UID:              session.UID,
		Timestamp:        session.Timestamp,
		OriginalImage:    session.OriginalImage,
		PredictedImage:   session.PredictedImage,
		DetectionObjects: objects,
	}
}
