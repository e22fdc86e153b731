package predictionService

import (
	"context"
	"yolodetect/internal/api/prediction"
	"yolodetect/internal/entity"
	contextPkg "yolodetect/pkg/context"

	"github.com/sirupsen/logrus"
)

func (s *predictionService) GetPrediction(ctx context.Context, uid string) (entity.PredictionSession, error) {
	return s.repo.GetPrediction(ctx, uid)
}

func (s *predictionService) GetPredictionsByLabel(ctx context.Context, label string) ([]entity.PredictionRef, error) {
	return s.repo.GetPredictionsByLabel(ctx, label)
}

func (s *predictionService) GetPredictionsByScore(ctx context.Context, minScore float64) ([]entity.PredictionRef, error) {
	if err := s.validator.Struct(prediction.ScoreFilterRequest{MinScore: minScore}); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"min_score":  minScore,
		}).Warn("Invalid score filter")
		return nil, prediction.ErrInvalidScore
	}

	return s.repo.GetPredictionsByScore(ctx, minScore)
}

func (s *predictionService) GetPredictionImagePath(ctx context.Context, uid string) (string, error) {
	return s.repo.GetPredictionImagePath(ctx, uid)
}
