package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/api/handlers/notification"
	"github.com/mealdash/relay/internal/api/router"
	"github.com/mealdash/relay/internal/api/server"
	"github.com/mealdash/relay/internal/config"
	"github.com/mealdash/relay/internal/gateway"
	"github.com/mealdash/relay/internal/model"
	events "github.com/mealdash/relay/internal/rabbitmq/handlers/events"
	"github.com/mealdash/relay/internal/rabbitmq/queue"
	notifrepo "github.com/mealdash/relay/internal/repository/notification"
	notifsvc "github.com/mealdash/relay/internal/service/notification"
	"github.com/mealdash/relay/internal/worker"
	"github.com/mealdash/relay/pkg/authapi"
	"github.com/mealdash/relay/pkg/email"
	"github.com/mealdash/relay/pkg/push"
	"github.com/mealdash/relay/pkg/sms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	eventQueue, err := queue.NewEventQueue(ch, cfg)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create event queue")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	repo := notifrepo.NewRepository(db)

	dbNum, err := strconv.Atoi(cfg.Redis.Database)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse redis database")
	}

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, dbNum)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	smtpPort, err := strconv.Atoi(cfg.Email.SMTPPort)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse email smtp port")
	}

	emailClient := email.NewClient(
		cfg.Email.SMTPHost,
		smtpPort,
		cfg.Email.Username,
		cfg.Email.Password,
		cfg.Email.From,
	)
	smsClient := sms.NewClient(cfg.SMS.APIURL, cfg.SMS.APIKey, cfg.SMS.Sender)
	pushClient := push.NewClient(cfg.Push.APIURL, cfg.Push.APIKey)

	adapters := map[model.Channel]worker.Adapter{
		model.ChannelEmail: emailClient,
		model.ChannelSMS:   smsClient,
		model.ChannelPush:  pushClient,
	}

	service := notifsvc.NewService(repo, rdb)
	notifHandler := notification.NewHandler(service, val, cfg)

	notifier := worker.NewNotifier(repo, adapters, cfg.Worker)
	go notifier.Run(ctx)

	authClient := authapi.NewClient(cfg.Auth.ValidateURL, cfg.Auth.Timeout)
	gw := gateway.New(authClient, cfg.Gateway)
	go gw.Run(ctx)

	eventHandler := events.NewHandler(eventQueue, gw, gw.Feeds())
	go eventHandler.Run(ctx, cfg.Retry, 4)

	r := router.New(notifHandler, gw)
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
	}
}
