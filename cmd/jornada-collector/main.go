package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"JornadaAgent/internal/collector"
	"JornadaAgent/internal/config"
	"JornadaAgent/internal/logger"
)

func main() {
	fs := pflag.NewFlagSet("jornada-collector", pflag.ExitOnError)
	configFile := fs.String("config", "", "配置文件路径（默认搜索 ./configs/jornada.yaml）")
	watch := fs.Bool("watch", true, "监控配置文件变化并热加载日志级别")
	fs.String("addr", "", "上报监听地址")
	fs.String("admin-addr", "", "管理监听地址（查询、删除、实时订阅）")
	fs.String("postgres-dsn", "", "PostgreSQL连接串，为空时使用内存存储")
	fs.Bool("anonymise", true, "丢弃上报的用户信息")
	fs.StringSlice("allowed-origins", nil, "允许的跨域来源")
	fs.Duration("storage-max-age", 0, "会话保留时长（默认14天），0 表示不清理")
	fs.String("log-level", "", "日志级别: debug, info, warn, error")
	fs.String("log-format", "", "日志格式: text, json")
	fs.Parse(os.Args[1:])

	manager := config.NewManager(
		config.WithWatchEnabled(*watch),
		config.WithLoadOptions(config.LoadOptions{
			File:  *configFile,
			Flags: fs,
			FlagKeys: map[string]string{
				"addr":            "collector.addr",
				"admin-addr":      "collector.admin_addr",
				"postgres-dsn":    "collector.postgres_dsn",
				"anonymise":       "collector.anonymise",
				"allowed-origins": "collector.allowed_origins",
				"storage-max-age": "collector.storage_max_age",
				"log-level":       "log.level",
				"log-format":      "log.format",
			},
		}),
	)

	cfg, err := manager.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, level := logger.InitLogger(cfg.Log.Level, cfg.Log.Format)
	manager.OnChange(func(old, updated *config.Config) {
		if old.Log.Level != updated.Log.Level {
			level.Set(logger.ParseLevel(updated.Log.Level))
			log.Info("log level changed", "level", updated.Log.Level)
		}
	})

	if err := run(cfg, log); err != nil {
		log.Error("collector exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg.Collector.PostgresDSN, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	server := collector.NewServer(repo, collector.ServerOptions{
		Addr:           cfg.Collector.Addr,
		AdminAddr:      cfg.Collector.AdminAddr,
		AllowedOrigins: cfg.Collector.AllowedOrigins,
		Anonymise:      cfg.Collector.Anonymise,
		Logger:         log,
	})

	if cfg.Collector.StorageMaxAge > 0 {
		cleaner := collector.NewCleaner(repo, cfg.Collector.StorageMaxAge, cfg.Collector.CleanInterval, log)
		go cleaner.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info("collector ready",
		"addr", cfg.Collector.Addr,
		"admin_addr", cfg.Collector.AdminAddr,
		"storage_max_age", cfg.Collector.StorageMaxAge,
		"anonymise", cfg.Collector.Anonymise,
		"postgres", cfg.Collector.PostgresDSN != "",
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openRepository(ctx context.Context, dsn string, log *slog.Logger) (collector.Repository, error) {
	if dsn == "" {
		log.Warn("no postgres_dsn configured, sessions are kept in memory")
		return collector.NewMemoryRepository(), nil
	}

	repo, err := collector.ConnectPgx(ctx, collector.DefaultPgxConfig(dsn))
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	stat := repo.Stat()
	log.Info("postgres pool ready", "max_conns", stat.MaxConns(), "total_conns", stat.TotalConns())
	return repo, nil
}
