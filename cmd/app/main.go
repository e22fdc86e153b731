package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	predictionRepository "yolodetect/internal/api/prediction/repository"
	predictionService "yolodetect/internal/api/prediction/service"
	"yolodetect/internal/config"
	"yolodetect/internal/queue"
	"yolodetect/pkg/callback"
	"yolodetect/pkg/inference"
	"yolodetect/pkg/log"
	"yolodetect/pkg/redis"
	"yolodetect/pkg/s3"
)

func main() {
	logger := log.NewLogger()
	settings := config.Load(logger)

	fiberApp := config.NewFiber(logger, settings.MaxUploadSize)
	validator := config.NewValidator()
	detector := inference.NewHTTPDetector(settings.InferenceURL, settings.InferenceTimeout)
	callbackSender := callback.New(settings.CallbackTimeout, logger)

	needsAWS := settings.StorageBackend == predictionRepository.BackendDynamoDB ||
		settings.S3Bucket != "" || settings.SQSQueueURL != ""

	options := []config.ServerOption{
		config.WithFiber(fiberApp),
		config.WithLogger(logger),
		config.WithValidator(validator),
		config.WithMiddleware(settings.RateLimit, settings.RateBurst),
		config.WithUtils(settings.MaxUploadSize),
	}
	if needsAWS {
		options = append(options, config.WithAWSSession(s3.SessionOptions{
			Region:          settings.AWSRegion,
			AccessKeyID:     settings.AWSAccessKeyID,
			SecretAccessKey: settings.AWSSecretAccessKey,
			Endpoint:        settings.AWSEndpoint,
		}))
	}
	options = append(options,
		config.WithRecordStore(context.Background(), predictionRepository.Options{
			Backend:     settings.StorageBackend,
			SQLitePath:  settings.SQLitePath,
			PostgresDSN: settings.PostgresDSN,
			DynamoTable: settings.DynamoTable,
			CreateTable: settings.DynamoCreateTable,
		}),
		config.WithDedup(settings.DedupBackend, settings.DedupTTL, settings.DedupMaxEntries, redis.Options{
			Address:  settings.RedisAddress,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		}),
		config.WithS3Client(settings.S3Bucket),
		config.WithDetector(detector),
		config.WithCallback(callbackSender),
		config.WithProcessing(predictionService.Options{
			UploadDir:        settings.UploadDir,
			InferenceWorkers: settings.InferenceWorkers,
		}),
		config.WithSQSConsumer(queue.Config{
			QueueURL:           settings.SQSQueueURL,
			DeadLetterQueueURL: settings.SQSDeadLetterQueueURL,
			WaitTimeSeconds:    settings.SQSWaitTimeSeconds,
			VisibilityTimeout:  settings.SQSVisibilityTimeout,
			MaxReceiveCount:    settings.SQSMaxReceiveCount,
			TempDir:            settings.SQSTempDir,
		}),
	)

	server, err := config.NewServer(options...)
	if err != nil {
		logger.Fatal(err)
	}

	server.RegisterHandler()

	var wg sync.WaitGroup
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())

	if server.HasConsumer() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.StartConsumer(consumerCtx)
		}()
	}

	go func() {
		if err := server.Run(settings.AppPort); err != nil {
			logger.Fatalf("Error starting server: %v", err)
		}
	}()

	logger.Infof("Server started on port %s", settings.AppPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down server...")

	cancelConsumer()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		logger.Info("Queue consumer stopped")
	case <-time.After(time.Duration(settings.SQSWaitTimeSeconds+5) * time.Second):
		logger.Warn("Queue consumer did not stop in time")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shut down: %v", err)
	}
}
