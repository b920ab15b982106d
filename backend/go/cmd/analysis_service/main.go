package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mahjong_analysis/backend/go/internal/analysis_service/analyzer"
	"mahjong_analysis/backend/go/internal/analysis_service/api"
	"mahjong_analysis/backend/go/internal/analysis_service/objectstore"
	"mahjong_analysis/backend/go/internal/analysis_service/publisher"
	"mahjong_analysis/backend/go/internal/analysis_service/registry"
	"mahjong_analysis/backend/go/internal/analysis_service/service"
	"mahjong_analysis/backend/go/internal/analysis_service/store"
	"mahjong_analysis/backend/go/internal/analysis_service/workspace"
	"mahjong_analysis/backend/go/internal/config"
	kafkadb "mahjong_analysis/backend/go/internal/database/kafka"
	miniodb "mahjong_analysis/backend/go/internal/database/minio"
	mongodb "mahjong_analysis/backend/go/internal/database/mongo"
	mysqldb "mahjong_analysis/backend/go/internal/database/mysql"
	redisdb "mahjong_analysis/backend/go/internal/database/redis"
	"mahjong_analysis/backend/go/internal/llm"
	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/circuitbreaker"
	pkghttp "mahjong_analysis/backend/go/pkg/http"
	"mahjong_analysis/backend/go/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const defaultConfigPath = "backend/go/internal/config/config.yaml"

func main() {
	// Secrets live in .env; a missing file just means they come from the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Invalid logger level: %v", err)
	}
	logger.Init(logLevel)
	serviceLogger := logger.New("AnalysisService", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Object store
	transport, err := pkghttp.NewTransport(cfg.Middleware.CircuitBreaker, nil)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Invalid circuit breaker configuration")
	}
	minioClient, err := miniodb.GetClient(&cfg.Databases.ObjectStore, transport)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to object store")
	}
	gateway := objectstore.NewMinioGateway(minioClient, cfg.Databases.ObjectStore.Bucket)
	matcher, err := objectstore.NewMatcher(cfg.Analysis.ImagePatterns)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Invalid image patterns")
	}

	// Model
	model, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to create LLM client")
	}
	defer model.Close()
	modelAnalyzer := analyzer.New(model, analyzerOptions(cfg, serviceLogger)...)

	workspaces, err := workspace.NewManager(cfg.Analysis.CacheRoot)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to prepare cache root")
	}

	// Archive, status mirror and progress events all hang off the registry.
	archive, err := openArchive(cfg)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to open task archive")
	}
	sinks := []store.Sink{}
	if archive != nil {
		sinks = append(sinks, archive)
	}
	if cfg.Events.RedisMirror {
		rdb, err := redisdb.GetClient(&cfg.Databases.Redis)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to connect to Redis")
		}
		ttl, _ := config.ParseDuration(cfg.Databases.Redis.TTL)
		sinks = append(sinks, store.NewRedisStatusMirror(rdb, cfg.Databases.Redis.KeyPrefix, ttl))
	}
	recorder := store.NewRecorder(serviceLogger, sinks...)
	registryOpts := []registry.Option{registry.WithObserver(recorder)}

	var events *publisher.EventPublisher
	var eventWriter *kafkadb.EventPublisher
	if cfg.Events.KafkaEnabled {
		kafkaClient, err := kafkadb.GetClient(&cfg.Databases.Kafka)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to initialize Kafka")
		}
		defer kafkaClient.Close()
		eventWriter = kafkadb.NewEventPublisher(kafkaClient, cfg.Events.KafkaTopic)
		events = publisher.NewEventPublisher(eventWriter, 0, serviceLogger)
		registryOpts = append(registryOpts, registry.WithObserver(events))
	}
	reg := registry.New(registryOpts...)

	// Pipeline
	engineOpts := []service.EngineOption{
		service.WithDownloadConcurrency(cfg.Analysis.DownloadConcurrency),
		service.WithEngineLogger(serviceLogger),
	}
	if cfg.Analysis.Summarize {
		engineOpts = append(engineOpts, service.WithSummarizer(modelAnalyzer))
	}
	engine := service.NewEngine(reg, gateway, workspaces, modelAnalyzer, matcher, engineOpts...)
	scheduler := service.NewPoolScheduler(cfg.Analysis.MaxConcurrentTasks, engine.Run, serviceLogger)
	listingTTL, _ := config.ParseDuration(cfg.Analysis.ListingCacheTTL)
	analysisService := service.NewAnalysisService(reg, scheduler, gateway, workspaces, listingTTL, serviceLogger)

	if archive != nil {
		tasks, err := archive.LoadAll(ctx)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to load task archive")
		}
		if _, err := analysisService.Recover(tasks); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Some archived tasks could not be restored")
		}
		// Persist the tasks Recover marked failed before serving requests.
		if err := recorder.Flush(ctx); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to record recovered tasks")
		}
	}
	serviceLogger.WithPayload(map[string]interface{}{"tasks": reg.Len()}).Info("Task registry ready")

	if ttl, _ := config.ParseDuration(cfg.Analysis.WorkspaceTTL); ttl > 0 {
		go analysisService.RunJanitor(ctx, ttl, 0)
	}

	// HTTP
	server, err := pkghttp.NewServer(cfg, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to create HTTP server")
	}
	api.RegisterRoutes(server.Router(), api.NewAPI(analysisService, cfg.App, serviceLogger))

	go func() {
		serviceLogger.Info("Starting HTTP server on " + server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("HTTP server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	serviceLogger.Info("Shutting down server...")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Server forced to shutdown")
	}

	drain, _ := config.ParseDuration(cfg.Server.ShutdownTimeout)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drain)
	defer drainCancel()
	if err := scheduler.Shutdown(drainCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Active tasks were cancelled at shutdown")
	}
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := recorder.Close(closeCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error flushing task archive")
	}
	if events != nil {
		if err := events.Close(closeCtx); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error draining task events")
		}
		if dropped := events.Dropped(); dropped > 0 {
			serviceLogger.WithPayload(map[string]interface{}{"dropped": dropped}).Warn("Task events were dropped while the buffer was full")
		}
		if err := eventWriter.Close(); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Kafka publisher")
		}
	}
	closeDatabases(closeCtx, cfg, serviceLogger)

	serviceLogger.Info("Server gracefully stopped")
}

func analyzerOptions(cfg *config.AppConfig, log *logger.Logger) []analyzer.Option {
	opts := []analyzer.Option{
		analyzer.WithRetries(cfg.Analysis.AnalyzerRetries),
		analyzer.WithQPS(cfg.Analysis.AnalyzerQPS),
		analyzer.WithLogger(log),
	}
	cb := cfg.Middleware.CircuitBreaker
	if cb.Enabled {
		timeout, _ := config.ParseDuration(cb.Timeout)
		opts = append(opts, analyzer.WithBreaker(circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, timeout,
			circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
				log.WithPayload(map[string]interface{}{"from": from.String(), "to": to.String()}).Warn("Model circuit breaker changed state")
			}))))
	}
	return opts
}

// openArchive returns nil for the "none" backend.
func openArchive(cfg *config.AppConfig) (store.TaskArchive, error) {
	switch cfg.Archive.Backend {
	case "file":
		return store.NewFileTaskArchive(cfg.Archive.StorageFile)
	case "mongo":
		collection, err := mongodb.GetCollection(&cfg.Databases.MongoDB)
		if err != nil {
			return nil, err
		}
		archive := store.NewMongoTaskArchive(collection)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := archive.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return archive, nil
	case "mysql":
		db, err := mysqldb.GetDB(&cfg.Databases.MySQL)
		if err != nil {
			return nil, err
		}
		return store.NewMySQLTaskArchive(db)
	default:
		return nil, nil
	}
}

func closeDatabases(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) {
	switch cfg.Archive.Backend {
	case "mongo":
		if err := mongodb.Close(ctx); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error disconnecting from MongoDB")
		}
	case "mysql":
		if err := mysqldb.Close(); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing MySQL")
		}
	}
	if cfg.Events.RedisMirror {
		if err := redisdb.Close(); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Redis")
		}
	}
}
