package config

import (
	"context"
	"fmt"
	"time"
	predictionHandler "yolodetect/internal/api/prediction/handler"
	predictionRepository "yolodetect/internal/api/prediction/repository"
	predictionService "yolodetect/internal/api/prediction/service"
	"yolodetect/internal/middleware"
	"yolodetect/internal/queue"
	"yolodetect/pkg/callback"
	"yolodetect/pkg/dedup"
	"yolodetect/pkg/inference"
	"yolodetect/pkg/redis"
	"yolodetect/pkg/s3"
	"yolodetect/pkg/utils"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
)

type ServerOption func(*Server) error

type Server struct {
	engine      *fiber.App
	log         *logrus.Logger
	middleware  middleware.Middleware
	validator   *validator.Validate
	utils       utils.IUtils
	awsSession  *session.Session
	recordStore predictionRepository.Repository
	dedup       dedup.IDedup
	redisClient *goredis.Client
	s3Client    s3.ItfS3
	detector    inference.IDetector
	callback    callback.ISender
	sqsClient   sqsiface.SQSAPI
	queueConfig queue.Config
	consumer    *queue.SQSConsumer
	processing  predictionService.Options
	handlers    []handler
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.recordStore == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if server.detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if server.dedup == nil {
		server.dedup = dedup.NewMemory(time.Hour, 10000)
	}
	if server.validator == nil {
		server.validator = NewValidator()
	}
	if server.utils == nil {
		server.utils = utils.New()
	}
	if server.middleware == nil {
		server.middleware = middleware.New(server.log, 0, 0)
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithMiddleware(reqRate float64, burstSize int) ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log, reqRate, burstSize)
		return nil
	}
}

func WithUtils(maxUploadSize int64) ServerOption {
	return func(s *Server) error {
		s.utils = utils.NewWithLimit(maxUploadSize)
		return nil
	}
}

// WithAWSSession builds the session shared by S3, SQS and DynamoDB. It must
// come before the options that use it.
func WithAWSSession(opts s3.SessionOptions) ServerOption {
	return func(s *Server) error {
		sess, err := s3.NewSession(opts)
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to create AWS session: %v", err)
			}
			return fmt.Errorf("failed to create AWS session: %w", err)
		}
		s.awsSession = sess
		return nil
	}
}

func WithRecordStore(ctx context.Context, opts predictionRepository.Options) ServerOption {
	return func(s *Server) error {
		if opts.Backend == predictionRepository.BackendDynamoDB && opts.DynamoClient == nil {
			if s.awsSession == nil {
				return fmt.Errorf("dynamodb backend requires an AWS session")
			}
			opts.DynamoClient = dynamodb.New(s.awsSession)
		}

		repo, err := predictionRepository.New(ctx, opts, s.log)
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to open record store: %v", err)
			}
			return fmt.Errorf("failed to open record store: %w", err)
		}
		s.recordStore = repo
		return nil
	}
}

func WithDedup(backend string, ttl time.Duration, maxEntries int, redisOpts redis.Options) ServerOption {
	return func(s *Server) error {
		switch backend {
		case DedupBackendMemory, "":
			s.dedup = dedup.NewMemory(ttl, maxEntries)
		case DedupBackendRedis:
			s.redisClient = redis.NewClient(redisOpts)
			s.dedup = redis.NewDedup(s.redisClient, ttl)
		default:
			return fmt.Errorf("unknown dedup backend %q", backend)
		}
		return nil
	}
}

// WithS3Client enables blob transfer. An empty bucket leaves it disabled.
func WithS3Client(bucket string) ServerOption {
	return func(s *Server) error {
		if bucket == "" {
			s.log.Warn("S3_BUCKET is not set, blob transfer disabled")
			return nil
		}
		if s.awsSession == nil {
			return fmt.Errorf("S3 client requires an AWS session")
		}
		s.s3Client = s3.New(s.awsSession, bucket)
		return nil
	}
}

func WithDetector(detector inference.IDetector) ServerOption {
	return func(s *Server) error {
		s.detector = detector
		return nil
	}
}

func WithCallback(sender callback.ISender) ServerOption {
	return func(s *Server) error {
		s.callback = sender
		return nil
	}
}

func WithProcessing(opts predictionService.Options) ServerOption {
	return func(s *Server) error {
		s.processing = opts
		return nil
	}
}

// WithSQSConsumer enables the queue consumer. An empty queue URL leaves it
// disabled.
func WithSQSConsumer(cfg queue.Config) ServerOption {
	return func(s *Server) error {
		if cfg.QueueURL == "" {
			s.log.Warn("SQS_QUEUE_URL is not set, queue consumer disabled")
			return nil
		}
		if s.awsSession == nil {
			return fmt.Errorf("SQS consumer requires an AWS session")
		}
		s.sqsClient = sqs.New(s.awsSession)
		s.queueConfig = cfg
		return nil
	}
}

func (s *Server) RegisterHandler() {
	services := predictionService.NewPredictionService(s.log, s.recordStore, s.dedup, s.detector, s.s3Client, s.validator, s.processing)
	handlers := predictionHandler.New(s.log, s.validator, s.middleware, services, s.utils, s.processing.UploadDir)

	if s.sqsClient != nil {
		if s.s3Client == nil {
			s.log.Warn("Queue consumer has no blob storage, every download will fail")
		}
		if s.callback == nil {
			s.callback = callback.New(10*time.Second, s.log)
		}
		s.consumer = queue.NewSQSConsumer(s.sqsClient, s.s3Client, services, s.callback, s.queueConfig, s.log)
	}

	s.handlers = append(s.handlers, handlers)
}

func (s *Server) Run(port string) error {
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware)

	s.setupHealthCheck()
	for _, h := range s.handlers {
		h.Start(s.engine)
	}

	if port == "" {
		port = "8080"
	}

	return s.engine.Listen(fmt.Sprintf(":%s", port))
}

// StartConsumer blocks until ctx is cancelled. It returns at once when the
// queue consumer is disabled.
func (s *Server) StartConsumer(ctx context.Context) {
	if s.consumer == nil {
		return
	}
	s.consumer.Start(ctx)
}

func (s *Server) HasConsumer() bool {
	return s.consumer != nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.engine.ShutdownWithContext(ctx); err != nil {
		return err
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warnf("Failed to close Redis client: %v", err)
		}
	}
	return s.recordStore.Close()
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"status": "ok",
		})
	})
}
