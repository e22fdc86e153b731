package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"yolodetect/internal/api/prediction"
	"yolodetect/internal/entity"
	"yolodetect/pkg/callback"
	contextPkg "yolodetect/pkg/context"
	logPkg "yolodetect/pkg/log"
	"yolodetect/pkg/s3"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const receiveRetryDelay = 5 * time.Second

// Processor is the part of the prediction service the consumer drives.
type Processor interface {
	Process(ctx context.Context, req prediction.ProcessRequest) (entity.PredictionSummary, error)
}

type Config struct {
	QueueURL           string
	DeadLetterQueueURL string
	WaitTimeSeconds    int64
	VisibilityTimeout  int64
	MaxReceiveCount    int
	TempDir            string
}

type SQSConsumer struct {
	sqs       sqsiface.SQSAPI
	blob      s3.ItfS3
	processor Processor
	callback  callback.ISender
	validator *validator.Validate
	cfg       Config
	log       *logrus.Logger
}

func NewSQSConsumer(
	sqsAPI sqsiface.SQSAPI,
	blob s3.ItfS3,
	processor Processor,
	sender callback.ISender,
	cfg Config,
	log *logrus.Logger,
) *SQSConsumer {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = 5
	}

	return &SQSConsumer{
		sqs:       sqsAPI,
		blob:      blob,
		processor: processor,
		callback:  sender,
		validator: validator.New(),
		cfg:       cfg,
		log:       log,
	}
}

// Start long-polls the queue until ctx is cancelled.
func (c *SQSConsumer) Start(ctx context.Context) {
	c.log.WithField("queue_url", c.cfg.QueueURL).Info("SQS consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("SQS consumer stopped")
			return
		default:
		}

		result, err := c.sqs.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages: aws.Int64(1),
			WaitTimeSeconds:     aws.Int64(c.cfg.WaitTimeSeconds),
			VisibilityTimeout:   aws.Int64(c.cfg.VisibilityTimeout),
			AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.WithField("error", err.Error()).Error("Failed to receive SQS message")
			select {
			case <-time.After(receiveRetryDelay):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range result.Messages {
			c.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage runs one delivery and returns its terminal state. The message
// is deleted only when it succeeded or can never succeed.
func (c *SQSConsumer) HandleMessage(ctx context.Context, msg *sqs.Message) State {
	messageID := aws.StringValue(msg.MessageId)
	ctx = contextPkg.FromMessage(ctx, messageID)
	entry := logPkg.WithRequestID(c.log, ctx)

	if msg.Body == nil || *msg.Body == "" {
		entry.Warn("Dropping message with empty body")
		c.delete(ctx, msg)
		return StateDropped
	}

	var m Message
	if err := json.Unmarshal([]byte(*msg.Body), &m); err != nil {
		entry.WithField("error", err.Error()).Warn("Dropping undecodable message")
		c.delete(ctx, msg)
		return StateDropped
	}
	if m.Type != MessageTypeYoloRequest {
		entry.WithField("type", m.Type).Warn("Dropping message of unknown type")
		c.delete(ctx, msg)
		return StateDropped
	}
	if err := c.validator.Struct(m); err != nil {
		entry.WithField("error", err.Error()).Warn("Dropping invalid message")
		c.delete(ctx, msg)
		return StateDropped
	}

	entry = entry.WithFields(logrus.Fields{
		"prediction_id": m.PredictionID,
		"chat_id":       m.ChatID,
	})

	if count := receiveCount(msg); count > c.cfg.MaxReceiveCount {
		entry.WithField("receive_count", count).Error("Message exceeded receive limit")
		if err := c.deadLetter(ctx, msg); err != nil {
			entry.WithField("error", err.Error()).Error("Failed to forward message to dead-letter queue")
			return StatePendingRedelivery
		}
		c.notify(ctx, m, callback.StatusError, nil, errors.New("message exceeded receive limit"))
		c.delete(ctx, msg)
		return StateDeadLettered
	}

	inputPath, err := c.download(ctx, m.ImageURL)
	if inputPath != "" {
		defer os.Remove(inputPath)
	}
	if err != nil {
		entry.WithField("error", err.Error()).Error("Failed to download image")
		c.notify(ctx, m, callback.StatusError, nil, err)
		return StatePendingRedelivery
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		entry.WithField("error", err.Error()).Error("Failed to read downloaded image")
		c.notify(ctx, m, callback.StatusError, nil, err)
		return StatePendingRedelivery
	}

	summary, err := c.processor.Process(ctx, prediction.ProcessRequest{
		Image:        data,
		UserID:       m.ChatID,
		PredictionID: m.PredictionID,
	})
	if err != nil {
		entry.WithField("error", err.Error()).Error("Failed to process message")
		c.notify(ctx, m, callback.StatusError, nil, err)
		return StatePendingRedelivery
	}

	c.notify(ctx, m, callback.StatusSuccess, summary.Labels, nil)
	c.delete(ctx, msg)

	entry.WithFields(logrus.Fields{
		"detection_count": summary.DetectionCount,
		"duplicate":       summary.Duplicate,
	}).Info("Message processed")

	return StateAcknowledged
}

// download returns the temp file path whenever one was created, so the caller
// can remove it even on failure.
func (c *SQSConsumer) download(ctx context.Context, imageURL string) (string, error) {
	if c.blob == nil {
		return "", prediction.NewProcessingError(prediction.ErrBlobTransferFailed, errors.New("blob storage not configured"))
	}

	bucket, key, err := s3.ParseURL(imageURL)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(c.cfg.TempDir, "yolo-*"+filepath.Ext(key))
	if err != nil {
		return "", err
	}
	path := tmp.Name()
	tmp.Close()

	if err := c.blob.DownloadFile(ctx, bucket, key, path); err != nil {
		return path, prediction.NewProcessingError(prediction.ErrBlobTransferFailed, err)
	}

	return path, nil
}

func (c *SQSConsumer) notify(ctx context.Context, m Message, status string, labels []string, cause error) {
	if m.CallbackURL == "" {
		return
	}

	payload := callback.Payload{
		ChatID:       m.ChatID,
		PredictionID: m.PredictionID,
		Status:       status,
		Labels:       labels,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}

	// Delivery failures are logged by the sender and not retried.
	_ = c.callback.Send(ctx, m.CallbackURL, payload)
}

func (c *SQSConsumer) deadLetter(ctx context.Context, msg *sqs.Message) error {
	if c.cfg.DeadLetterQueueURL == "" {
		return nil
	}

	_, err := c.sqs.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.cfg.DeadLetterQueueURL),
		MessageBody: msg.Body,
	})
	return err
}

func (c *SQSConsumer) delete(ctx context.Context, msg *sqs.Message) {
	entry := logPkg.WithRequestID(c.log, ctx)

	if msg.ReceiptHandle == nil {
		entry.Warn("Message has no receipt handle, cannot delete")
		return
	}

	_, err := c.sqs.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		entry.WithField("error", err.Error()).Error("Failed to delete SQS message")
	}
}

func receiveCount(msg *sqs.Message) int {
	raw, ok := msg.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]
	if !ok || raw == nil {
		return 1
	}
	n, err := strconv.Atoi(*raw)
	if err != nil {
		return 1
	}
	return n
}
