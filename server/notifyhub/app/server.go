package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	activityrepo "crm_server/server/activity/repository"
	activityservice "crm_server/server/activity/service"
	callrepo "crm_server/server/call/repository"
	callservice "crm_server/server/call/service"
	commonauth "crm_server/server/common/auth"
	"crm_server/server/common/infra/cache"
	"crm_server/server/common/infra/db"
	"crm_server/server/common/infra/mq"
	"crm_server/server/common/infra/object"
	notifyservice "crm_server/server/notify/service"
	"crm_server/server/notifyhub/api"
)

type Server struct {
	HTTPServer *http.Server
	Redis      *redis.Client
	Pool       *pgxpool.Pool
	MQConn     *amqp.Connection
	Bridge     *notifyservice.Bridge
	Registry   *notifyservice.Registry
	Events     *callservice.EventStream

	bgCancel context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	presence := notifyservice.NewRedisPresence(redisClient, cfg.HeartbeatTimeout+30*time.Second)
	registry := notifyservice.NewRegistry(cfg.HeartbeatTimeout)
	registry.UsePresence(presence)
	registry.UseGauge(notifyservice.NewTenantConnectionGauge(promReg))

	queue := notifyservice.NewRedisQueueStore(redisClient, cfg.QueueDepth, cfg.QueueTTL)
	bridge := notifyservice.NewBridge(registry, queue)
	bridge.UseRedis(redisClient)
	bridge.UsePresence(presence)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	if err := bridge.StartTransport(bgCtx); err != nil {
		bgCancel()
		return nil, fmt.Errorf("start notify transport: %w", err)
	}
	registry.StartSweeper(bgCtx, cfg.HeartbeatSweep)

	producer := notifyservice.NewProducer(bridge, notifyservice.NewRedisSequencer(redisClient))

	callStore := callrepo.NewCallRepository(pool)
	contacts := callrepo.NewContactRepository(pool)
	users := callrepo.NewUserRepository(pool)
	dialer := callservice.NewHTTPDialer(cfg.ProviderBaseURL, cfg.ProviderAccountSID, cfg.ProviderAuthToken, cfg.ProviderTimeout)
	dedupe := callservice.NewRedisDeduper(redisClient)

	callOpts := []callservice.ServiceOption{
		callservice.WithProviderTimeout(cfg.ProviderTimeout),
		callservice.WithStaleAfter(cfg.CallStaleAfter),
	}

	var (
		mqConn *amqp.Connection
		events *callservice.EventStream
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			bgCancel()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		events, err = callservice.NewEventStream(mqConn)
		if err != nil {
			bgCancel()
			return nil, fmt.Errorf("initialize event stream: %w", err)
		}
		callOpts = append(callOpts, callservice.WithEventStream(events))
	}

	if cfg.UseObjectStore {
		minioClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			bgCancel()
			return nil, fmt.Errorf("initialize object store: %w", err)
		}
		if err := object.EnsureBucket(ctx, minioClient, cfg.RecordingsBucket); err != nil {
			bgCancel()
			return nil, fmt.Errorf("ensure recordings bucket: %w", err)
		}
		callOpts = append(callOpts, callservice.WithRecordingArchiver(callservice.NewRecordingArchiver(minioClient, cfg.RecordingsBucket)))
	}

	callSvc := callservice.NewService(callStore, contacts, dialer, producer, dedupe, cfg.CallbackBaseURL, cfg.FromNumber, callOpts...)
	callSvc.StartSweeper(bgCtx, cfg.CallSweepInterval)

	activitySvc := activityservice.NewService(activityrepo.NewActivityRepository(pool), producer)

	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	metrics := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	h := api.NewHandler(authSvc, registry, bridge, queue, producer, callSvc, activitySvc, users, metrics)

	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		Redis:      redisClient,
		Pool:       pool,
		MQConn:     mqConn,
		Bridge:     bridge,
		Registry:   registry,
		Events:     events,
		bgCancel:   bgCancel,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.bgCancel()
	s.Registry.Shutdown(ctx)
	s.Bridge.Close()
	if s.Events != nil {
		s.Events.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	err := s.HTTPServer.Shutdown(ctx)
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return err
}
