package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bob-contactsync/internal/addressbook"
	"bob-contactsync/internal/cache"
	"bob-contactsync/internal/common/database"
	logpkg "bob-contactsync/internal/common/logger"
	"bob-contactsync/internal/common/mqtt"
	rediscommon "bob-contactsync/internal/common/redis"
	"bob-contactsync/internal/config"
	"bob-contactsync/internal/detector"
	"bob-contactsync/internal/directory"
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/invitation"
	"bob-contactsync/internal/retry"
	"bob-contactsync/internal/store"
	"bob-contactsync/internal/syncer"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Runner 同步执行者（syncer.Orchestrator 实现）
type Runner interface {
	Init(ctx context.Context) (bool, error)
	Sync(ctx context.Context) (syncer.Report, error)
}

// SyncService 联系人同步服务：启动时初始化缓存，之后按周期或外部通知触发完整同步
type SyncService struct {
	config       *config.Config
	logger       *zap.Logger
	db           *sql.DB
	redisClient  *redis.Client
	mqttClient   *mqtt.Client
	history      *invitation.PostgresHistory
	orchestrator *syncer.Orchestrator

	runner   Runner
	interval time.Duration
	trigger  chan struct{}
}

// NewSyncService 创建同步服务并装配全部依赖
func NewSyncService(cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	logger = logpkg.ForUser(logger, cfg.Sync.UserID)

	// 初始化 Redis（联系人缓存 + 同步事件流）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 邀请历史（可选）
	var db *sql.DB
	var history *invitation.PostgresHistory
	var recorder invitation.HistoryRecorder
	if cfg.DBEnabled {
		var err error
		db, err = database.NewPostgresDB(&cfg.Database)
		if err != nil {
			rediscommon.Close(redisClient)
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		history = invitation.NewPostgresHistory(db, cfg.Sync.UserID, logger)
		if err := history.EnsureSchema(context.Background()); err != nil {
			database.Close(db)
			rediscommon.Close(redisClient)
			return nil, fmt.Errorf("failed to prepare invitation history: %w", err)
		}
		recorder = history
	}

	readRetry := retry.Default().WithAttempts(cfg.Sync.RetryMaxAttempts, cfg.Sync.RetryBaseDelay)
	dirClient := directory.NewClient(cfg.Directory, directory.StaticToken(cfg.Directory.Token), readRetry, logger)

	var scanner syncer.Scanner
	if cfg.AddressBook.Path != "" {
		scanner = addressbook.NewScanner(addressbook.NewXLSXProvider(cfg.AddressBook.Path), cfg.AddressBook.PageSize, logger)
	}

	orch := syncer.NewOrchestrator(
		cache.NewContactCache(store.NewRedisKV(redisClient), cfg.Cache.Prefix, cfg.Sync.UserID, logger),
		dirClient,
		detector.NewDetector(dirClient, cfg.Directory.Timeout, logger),
		invitation.NewTracker(dirClient, recorder, logger),
		scanner,
		syncer.NewStreamPublisher(redisClient, cfg.Sync.EventStream, 1000),
		logger,
		syncer.Options{
			UserID:     cfg.Sync.UserID,
			ChunkSize:  cfg.Sync.ChunkSize,
			FanOut:     cfg.Sync.FanOut,
			ChunkRetry: readRetry,
		},
	)

	s := newSyncService(orch, cfg.Sync.Interval, logger)
	s.config = cfg
	s.db = db
	s.redisClient = redisClient
	s.history = history
	s.orchestrator = orch
	return s, nil
}

func newSyncService(runner Runner, interval time.Duration, logger *zap.Logger) *SyncService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &SyncService{
		logger:   logger,
		runner:   runner,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Orchestrator 供一次性命令直接调用
func (s *SyncService) Orchestrator() *syncer.Orchestrator {
	return s.orchestrator
}

// History 邀请历史；未启用数据库时为 nil
func (s *SyncService) History() *invitation.PostgresHistory {
	return s.history
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting contact sync service", zap.Duration("interval", s.interval))

	migrated, err := s.runner.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to init contact cache: %w", err)
	}
	if migrated {
		s.logger.Info("Contact cache migrated, repertoire needs to be curated again")
	}

	// 远端通知“联系人已变化”时立即同步
	if s.config != nil && s.config.MQTT.Enabled {
		client, err := mqtt.NewClient(&s.config.MQTT, s.logger)
		if err != nil {
			return err
		}
		if err := client.Subscribe(s.config.MQTT.Topic, s.config.MQTT.QoS, s.HandleTrigger); err != nil {
			client.Disconnect()
			return err
		}
		s.mqttClient = client
		s.logger.Info("Subscribed to contact change notifications", zap.String("topic", s.config.MQTT.Topic))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 首次执行一次完整同步
	s.runOnce(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx, "interval")
		case <-s.trigger:
			s.runOnce(ctx, "notification")
		}
	}
}

// Trigger 请求一次同步；已有待处理的请求时合并
func (s *SyncService) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// HandleTrigger MQTT 消息处理：payload 内容不重要，收到即触发
func (s *SyncService) HandleTrigger(topic string, payload []byte) error {
	s.logger.Debug("Contact change notification received",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)
	s.Trigger()
	return nil
}

func (s *SyncService) runOnce(ctx context.Context, reason string) {
	report, err := s.runner.Sync(ctx)
	switch {
	case errors.Is(err, domain.ErrAlreadyInProgress):
		s.logger.Info("Sync already in progress, skipped", zap.String("reason", reason))
	case err != nil:
		s.logger.Error("Sync failed", zap.String("reason", reason), zap.Error(err))
	default:
		s.logger.Info("Sync completed",
			zap.String("reason", reason),
			zap.Int("pushed", report.Pushed),
			zap.Int("errors", len(report.Errors)),
			zap.Strings("warnings", report.Warnings),
		)
	}
}

// Stop 停止服务
func (s *SyncService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping contact sync service")

	if s.mqttClient != nil {
		if err := s.mqttClient.Unsubscribe(s.config.MQTT.Topic); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
		s.mqttClient.Disconnect()
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	return nil
}
