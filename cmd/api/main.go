package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chronica/sensing-gateway/internal/config"
	"github.com/chronica/sensing-gateway/internal/handlers"
	"github.com/chronica/sensing-gateway/internal/ingest"
	"github.com/chronica/sensing-gateway/internal/queue"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/internal/services"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
	xhttp "github.com/chronica/sensing-gateway/pkg/http"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/pg"
	"github.com/chronica/sensing-gateway/pkg/prom"
	"github.com/chronica/sensing-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	// device uploads exceed the default body cap
	s.Server.MaxRequestBodySize = 128 * 1024 * 1024
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 30))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	q, err := queue.New(redisAdap, queue.Config{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	store, err := blob.NewFS(config.Get().BlobRootDir)
	if err != nil {
		logger.Error("failed creating blob store", "error", err)
		return
	}

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(":9100", "/metrics")

	clk := clock.New()
	keys := ingest.NewKeyStore(store)
	participantRepo := repository.NewParticipantRepository(db)

	// services
	surveyService := services.NewSurveyService(
		repository.NewSurveyRepository(db),
		repository.NewScheduleRepository(db),
		clk,
	)
	uploadService := ingest.NewService(
		store, keys,
		repository.NewUploadRepository(db),
		participantRepo,
		q, clk,
	)
	healthService := services.NewHealthService(db)

	// handlers
	deviceHandler := handlers.NewDeviceHandler(participantRepo, surveyService, uploadService, keys, clk)
	healthHandler := handlers.NewHealthHandler(healthService)

	handlers.RegisterDeviceRoutes(s.Router, deviceHandler)
	handlers.RegisterHealthRoutes(s.Router, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
