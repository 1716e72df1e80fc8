package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"JornadaAgent/internal/agent"
	"JornadaAgent/internal/collector"
	"JornadaAgent/internal/config"
	"JornadaAgent/internal/logger"
	"JornadaAgent/internal/session"
	"JornadaAgent/internal/storage"
)

func main() {
	fs := pflag.NewFlagSet("jornada-agent", pflag.ExitOnError)
	configFile := fs.String("config", "", "配置文件路径（默认搜索 ./configs/jornada.yaml）")
	userID := fs.String("user-id", "", "用户ID")
	userEmail := fs.String("user-email", "", "用户邮箱")
	userName := fs.String("user-name", "", "用户名")
	clientTag := fs.String("client-tag", "", "客户端标签")
	meta := fs.StringToString("meta", nil, "会话元数据 k=v，可重复")
	fs.String("collector-url", "", "采集端地址")
	fs.String("storage-driver", "", "本地存储: memory, sqlite")
	fs.String("storage-path", "", "SQLite文件路径")
	fs.Duration("flush-interval", 0, "同步周期")
	fs.Bool("drain-on-close", false, "退出前重试发送剩余事件")
	fs.String("log-level", "", "日志级别")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(config.LoadOptions{
		File:  *configFile,
		Flags: fs,
		FlagKeys: map[string]string{
			"collector-url":  "agent.collector_url",
			"storage-driver": "agent.storage.driver",
			"storage-path":   "agent.storage.path",
			"flush-interval": "agent.flush_interval",
			"drain-on-close": "agent.drain_on_close",
			"log-level":      "log.level",
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, _ := logger.InitLogger(cfg.Log.Level, cfg.Log.Format)

	kv, err := storage.Open(cfg.Agent.Storage.Driver, cfg.Agent.Storage.Path)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	client := collector.NewClient(cfg.Agent.CollectorURL, collector.WithTimeout(cfg.Agent.RequestTimeout))
	lines := agent.NewLineInstrumentation(os.Stdin, log)

	a, err := agent.New(agent.Options{
		StorageKey:        cfg.Agent.Storage.Key,
		FlushInterval:     cfg.Agent.FlushInterval,
		MaxBufferedEvents: cfg.Agent.MaxBufferedEvents,
		RetainOnFailure:   cfg.Agent.RetainOnFailure,
		DrainOnClose:      cfg.Agent.DrainOnClose,
		DrainTimeout:      cfg.Agent.DrainTimeout,
	}, agent.Deps{
		KV:              kv,
		Collector:       client,
		Instrumentation: lines,
		Logger:          log,
	})
	if err != nil {
		log.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	if fs.Changed("user-id") || fs.Changed("user-email") || fs.Changed("user-name") {
		a.SetUser(session.User{ID: *userID, Email: *userEmail, Name: *userName})
	}
	if *clientTag != "" {
		a.SetClientTag(*clientTag)
	}
	if len(*meta) > 0 {
		a.SetMeta(*meta)
	}

	run(a, lines, log)
}

func run(a *agent.Agent, lines *agent.LineInstrumentation, log *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start()
	log.Info("agent recording from stdin", "client_tag", a.ClientTag(), "user", a.User().ID)

	select {
	case <-ctx.Done():
		log.Info("signal received, closing")
	case <-lines.Done():
		log.Info("input finished, closing")
		// 输入结束后再跑一次，让最后一批事件赶上
		a.Tick(context.Background())
	}

	a.Close()

	stats := a.Stats()
	log.Info("agent stopped",
		"sent", stats.Sent,
		"lost", stats.Lost,
		"dropped", stats.Dropped,
		"sync_failures", stats.SyncFailures,
		"invalid_lines", lines.Invalid(),
	)
	if err := a.Err(); err != nil && !errors.Is(err, agent.ErrClosed) {
		log.Debug("last swallowed error", "error", err)
	}
}
