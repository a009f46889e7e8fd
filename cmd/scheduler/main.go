package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chronica/sensing-gateway/internal/config"
	"github.com/chronica/sensing-gateway/internal/dispatch"
	"github.com/chronica/sensing-gateway/internal/purge"
	"github.com/chronica/sensing-gateway/internal/push"
	"github.com/chronica/sensing-gateway/internal/repository"
	"github.com/chronica/sensing-gateway/internal/schedule"
	"github.com/chronica/sensing-gateway/internal/scheduler"
	"github.com/chronica/sensing-gateway/pkg/blob"
	"github.com/chronica/sensing-gateway/pkg/clock"
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
	go prom.ListenAndServer(":9101", "/metrics")

	clk := clock.New()
	studyRepo := repository.NewStudyRepository(db)
	surveyRepo := repository.NewSurveyRepository(db)
	participantRepo := repository.NewParticipantRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	eventRepo := repository.NewEventRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	purgeRepo := repository.NewPurgeRepository(db)

	transport := push.NewClient(&push.Config{
		URL:     config.Get().PushServiceURL,
		Account: config.Get().PushServiceAccount,
	})
	locks := dispatch.NewParticipantLocks(redisAdap, 30*time.Second)

	materializer := schedule.NewMaterializer(studyRepo, surveyRepo, participantRepo, scheduleRepo, eventRepo, clk)
	selector := dispatch.NewSelector(eventRepo, participantRepo, clk)
	sender := dispatch.NewSender(dispatch.SenderConfig{
		PushFailureThreshold: config.Get().PushFailureThreshold,
		MinResendIOSVersion:  config.Get().MinResendIOSVersion,
	}, transport, eventRepo, participantRepo, surveyRepo, locks, clk)
	resendEngine := dispatch.NewResendEngine(dispatch.ResendConfig{
		MinResendIOSVersion: config.Get().MinResendIOSVersion,
	}, eventRepo, participantRepo, settingsRepo, clk)
	heartbeatEngine := dispatch.NewHeartbeatEngine(transport, participantRepo, clk)
	purgeEngine := purge.NewEngine(
		store, purgeRepo, participantRepo, locks,
		time.Duration(config.Get().GraceBeforePurgeMinutes)*time.Minute,
		clk,
	)

	service := scheduler.NewService(redisAdap, config.Get().TickInterval)
	scheduler.RegisterStandardTasks(service, studyRepo, materializer, selector, sender, resendEngine, heartbeatEngine, purgeEngine)

	if err := service.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		service.Stop()
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
