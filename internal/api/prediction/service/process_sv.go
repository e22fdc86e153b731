package predictionService

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"yolodetect/internal/api/prediction"
	"yolodetect/internal/entity"
	contextPkg "yolodetect/pkg/context"
	"yolodetect/pkg/dedup"
	"yolodetect/pkg/s3"

	"github.com/sirupsen/logrus"
)

const (
	anonymousUser   = "anonymous"
	timestampLayout = "20060102150405"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type inferenceResult struct {
	detections []entity.Detection
	err        error
}

// Process runs one detection request. Inference is skipped for a fingerprint
// seen before; blob upload is best effort and never fails the request.
//
// Local files are keyed by user and second, so two requests from one user in
// the same second share a path.
func (s *predictionService) Process(ctx context.Context, req prediction.ProcessRequest) (entity.PredictionSummary, error) {
	requestID := contextPkg.GetRequestID(ctx)

	if len(req.Image) == 0 {
		return entity.PredictionSummary{}, prediction.ErrEmptyImage
	}

	userID := req.UserID
	if userID == "" {
		userID = anonymousUser
	}

	fingerprint := dedup.Fingerprint(dedupOrigin(userID, req.PredictionID), req.Image)
	if prior, seen := s.priorOutcome(ctx, fingerprint); seen {
		s.log.WithFields(logrus.Fields{
			"request_id":    requestID,
			"prediction_id": prior.PredictionID,
		}).Info("Duplicate request, returning prior outcome")
		prior.Duplicate = true
		return prior, nil
	}

	userDir := unsafePathChars.ReplaceAllString(userID, "_")
	timestamp := s.now().UTC().Format(timestampLayout)
	originalName := timestamp + ".jpg"
	predictedName := timestamp + "_predicted.jpg"
	originalPath := filepath.Join(s.uploadDir, "original", userDir, originalName)
	predictedPath := filepath.Join(s.uploadDir, "predicted", userDir, predictedName)

	if err := writeFile(originalPath, req.Image); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       originalPath,
			"error":      err.Error(),
		}).Error("Failed to write original image")
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrStorageFailed, err)
	}

	detections, err := s.runInference(ctx, originalPath, predictedPath)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Inference failed")
		removeFiles(originalPath, predictedPath)
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrInferenceFailed, err)
	}

	predictionID := req.PredictionID
	if predictionID == "" {
		predictionID = s.newID()
	}

	labels, err := s.persist(ctx, predictionID, originalPath, predictedPath, detections)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id":    requestID,
			"prediction_id": predictionID,
			"error":         err.Error(),
		}).Error("Failed to persist prediction")
		removeFiles(originalPath, predictedPath)
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrStorageFailed, err)
	}

	summary := entity.PredictionSummary{
		PredictionID:   predictionID,
		DetectionCount: len(detections),
		Labels:         labels,
	}
	summary.OriginalKey = s.upload(ctx, "original/"+userDir+"/"+originalName, originalPath)
	summary.PredictedKey = s.upload(ctx, "predicted/"+userDir+"/"+predictedName, predictedPath)

	if err := s.dedup.MarkProcessed(ctx, fingerprint, summary); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Warn("Failed to mark request as processed")
	}

	s.log.WithFields(logrus.Fields{
		"request_id":      requestID,
		"prediction_id":   predictionID,
		"detection_count": summary.DetectionCount,
	}).Info("Prediction processed")

	return summary, nil
}

// dedupOrigin scopes a fingerprint to the caller and, when the caller
// assigned one, to the prediction id. A new id for the same image is a new
// job and must end up stored under that id.
func dedupOrigin(userID, predictionID string) string {
	if predictionID == "" {
		return userID
	}
	return userID + "\x00" + predictionID
}

// priorOutcome reports the stored outcome for fingerprint. Dedup failures are
// logged and treated as a miss.
func (s *predictionService) priorOutcome(ctx context.Context, fingerprint string) (entity.PredictionSummary, bool) {
	entry := s.log.WithField("request_id", contextPkg.GetRequestID(ctx))

	seen, err := s.dedup.IsDuplicate(ctx, fingerprint)
	if err != nil {
		entry.WithField("error", err.Error()).Warn("Dedup check failed, processing request anyway")
		return entity.PredictionSummary{}, false
	}
	if !seen {
		return entity.PredictionSummary{}, false
	}

	prior, ok, err := s.dedup.Lookup(ctx, fingerprint)
	if err != nil {
		entry.WithField("error", err.Error()).Warn("Dedup lookup failed, processing request anyway")
		return entity.PredictionSummary{}, false
	}
	return prior, ok
}

// runInference hands the detector call to a worker slot. Waiting for a slot
// honours ctx; once started the job runs to completion.
func (s *predictionService) runInference(ctx context.Context, originalPath, predictedPath string) ([]entity.Detection, error) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	jobCtx := context.WithoutCancel(ctx)
	done := make(chan inferenceResult, 1)
	go func() {
		defer s.workers.Release(1)

		detections, err := s.detector.Detect(jobCtx, originalPath)
		if err == nil {
			err = s.detector.Annotate(originalPath, predictedPath, detections)
		}
		done <- inferenceResult{detections: detections, err: err}
	}()

	res := <-done
	return res.detections, res.err
}

func (s *predictionService) persist(ctx context.Context, predictionID, originalPath, predictedPath string, detections []entity.Detection) ([]string, error) {
	if err := s.repo.SavePredictionSession(ctx, predictionID, originalPath, predictedPath); err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(detections))
	for _, det := range detections {
		if err := s.repo.SaveDetection(ctx, predictionID, det.Label, det.Score, det.Box); err != nil {
			return nil, err
		}
		labels = append(labels, det.Label)
	}

	return labels, nil
}

// upload returns the key on success and "" when the transfer failed.
func (s *predictionService) upload(ctx context.Context, key, localPath string) string {
	if s.s3 == nil {
		return ""
	}

	if _, err := s.s3.UploadFile(ctx, key, localPath); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"key":        key,
			"error":      prediction.NewProcessingError(prediction.ErrBlobTransferFailed, err).Error(),
		}).Warn("Blob upload failed, continuing")
		return ""
	}

	return key
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func removeFiles(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// ProcessFromBlob fetches the image from the bucket and runs it through
// Process. S3Key is either a bare key in the configured bucket or an
// s3://bucket/key URL.
func (s *predictionService) ProcessFromBlob(ctx context.Context, req prediction.PredictFromS3Request) (entity.PredictionSummary, error) {
	if s.s3 == nil {
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrBlobTransferFailed, errors.New("blob storage not configured"))
	}

	bucket, key := s.s3.Bucket(), req.S3Key
	if strings.HasPrefix(req.S3Key, "s3://") {
		var err error
		if bucket, key, err = s3.ParseURL(req.S3Key); err != nil {
			return entity.PredictionSummary{}, prediction.ErrImageNotFound
		}
	}

	tmp, err := os.CreateTemp("", "predict-*"+filepath.Ext(key))
	if err != nil {
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrStorageFailed, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.s3.DownloadFile(ctx, bucket, key, tmpPath); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"bucket":     bucket,
			"key":        key,
			"error":      err.Error(),
		}).Error("Failed to download image from blob storage")
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrBlobTransferFailed, err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return entity.PredictionSummary{}, prediction.NewProcessingError(prediction.ErrStorageFailed, err)
	}

	return s.Process(ctx, prediction.ProcessRequest{
		Image:  data,
		UserID: req.UserID,
	})
}
