package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"LoopIn/internal/config"
	"LoopIn/internal/logger"
	"LoopIn/internal/pkg"
	"LoopIn/internal/repository/mysql"
	"LoopIn/internal/repository/redis"
	"LoopIn/internal/router"
	"LoopIn/internal/service"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loopin",
	Short: "LoopIn hyperlocal anonymous chat backend",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if !cfg.Database.Enabled {
			return errors.New("database.enabled is false, nothing to migrate")
		}
		log, closer, err := logger.Setup(cfg.Logger)
		if err != nil {
			return err
		}
		defer closer.Close()

		db, err := mysql.InitDB(cfg.Database, log)
		if err != nil {
			return err
		}
		defer mysql.Close(db)
		if err := mysql.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		log.Info("migration finished", slog.String("driver", cfg.Database.Driver))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resources 退出时需要关闭的外部连接
type resources struct {
	db       *gorm.DB
	rdb      *goredis.Client
	producer *pkg.KafkaProducer
	closers  []io.Closer
}

func (r *resources) Close(log *slog.Logger) {
	if err := r.producer.Close(); err != nil {
		log.Warn("close kafka producer failed", slog.String("error", err.Error()))
	}
	if err := mysql.Close(r.db); err != nil {
		log.Warn("close database failed", slog.String("error", err.Error()))
	}
	if r.rdb != nil {
		if err := r.rdb.Close(); err != nil {
			log.Warn("close redis failed", slog.String("error", err.Error()))
		}
	}
	for _, c := range r.closers {
		_ = c.Close()
	}
}

// openRepositories 按配置打开存储；未启用的部分保持 nil
func openRepositories(cfg *config.Config, log *slog.Logger, res *resources) (service.Repositories, service.Sender, error) {
	var repos service.Repositories

	if cfg.Database.Enabled {
		db, err := mysql.InitDB(cfg.Database, log)
		if err != nil {
			return repos, nil, err
		}
		res.db = db
		if err := mysql.AutoMigrate(db); err != nil {
			return repos, nil, fmt.Errorf("auto migrate: %w", err)
		}
		repos.Identities = &mysql.IdentityRepository{DB: db}
		repos.Presence = &mysql.PresenceRepository{DB: db}
		repos.Channels = &mysql.ChannelRepository{DB: db}
		repos.Messages = &mysql.MessageRepository{DB: db}
		repos.Outbox = &mysql.OutboxRepository{DB: db}
	}

	if cfg.Redis.Enabled {
		rdb, err := redis.Init(cfg.Redis)
		if err != nil {
			return repos, nil, err
		}
		res.rdb = rdb
		repos.Tokens = redis.NewTokenRepository(rdb, cfg.JWT.AccessTTL)
	}

	var sender service.Sender
	if cfg.Kafka.Enabled {
		producer, err := pkg.NewKafkaProducer(pkg.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			return repos, nil, err
		}
		res.producer = producer
		sender = service.KafkaSender(producer)
		log.Info("kafka producer ready", slog.String("topic", producer.Topic()), slog.Any("brokers", cfg.Kafka.Brokers))
	}
	return repos, sender, nil
}

func serve(cfg *config.Config) error {
	log, closer, err := logger.Setup(cfg.Logger)
	if err != nil {
		return err
	}
	res := &resources{closers: []io.Closer{closer}}
	defer res.Close(log)

	repos, sender, err := openRepositories(cfg, log, res)
	if err != nil {
		log.Error("open storage failed", slog.String("error", err.Error()))
		return err
	}

	svc, err := service.New(cfg, repos, sender, service.SystemClock, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Restore(ctx); err != nil {
		log.Error("restore state failed", slog.String("error", err.Error()))
		return err
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	svc.Start(bgCtx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router.InitRouter(cfg, svc, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		log.Error("http server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// SSE 连接由 hub 关闭，Shutdown 才能按时返回
	svc.Hub.CloseAll()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown incomplete", slog.String("error", serr.Error()))
	}

	cancelBg()
	svc.Stop()
	log.Info("server exited")
	return err
}
