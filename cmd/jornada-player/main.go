package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"JornadaAgent/internal/collector"
	"JornadaAgent/internal/config"
	"JornadaAgent/internal/events"
	"JornadaAgent/internal/logger"
	"JornadaAgent/internal/player"
)

func main() {
	fs := pflag.NewFlagSet("jornada-player", pflag.ExitOnError)
	configFile := fs.String("config", "", "配置文件路径")
	speed := fs.Float64("speed", float64(player.SpeedNormal), "回放速度，0 为瞬间回放")
	maxGap := fs.Duration("max-gap", 0, "最大等待间隔，0 表示不限")
	types := fs.IntSlice("types", nil, "只回放这些事件类型")
	follow := fs.Bool("follow", false, "回放完成后继续接收实时事件")
	fs.String("admin-url", "", "采集端管理地址")
	search := fs.String("search", "", "列出匹配的会话而不回放，例如 \"meta.plan = 'pro'\"")
	fs.String("log-level", "", "日志级别")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: jornada-player [flags] <session-id>\n")
		fmt.Fprintf(os.Stderr, "      jornada-player --search <query>\n")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if *search == "" && fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.LoadOptions{
		File:  *configFile,
		Flags: fs,
		FlagKeys: map[string]string{
			"admin-url": "agent.collector_admin_url",
			"log-level": "log.level",
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	log, _ := logger.InitLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := collector.NewClient(cfg.Agent.CollectorURL,
		collector.WithAdminURL(cfg.Agent.CollectorAdminURL),
		collector.WithTimeout(cfg.Agent.RequestTimeout))

	if *search != "" {
		if err := list(ctx, client, *search); err != nil {
			log.Error("search failed", "query", *search, "error", err)
			os.Exit(1)
		}
		return
	}

	sessionID := fs.Arg(0)
	playCfg := &player.Config{Speed: player.Speed(*speed), MaxGap: *maxGap, Types: *types}

	if err := run(ctx, client, sessionID, playCfg, *follow, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("replay failed", "session_id", sessionID, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *collector.Client, sessionID string, cfg *player.Config, follow bool, log *slog.Logger) error {
	surface := player.NewJSONLinesSurface(os.Stdout)

	records, err := client.GetEvents(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}

	p := player.New(records, surface, cfg)
	if err := p.Play(ctx); err != nil {
		return err
	}
	stats := p.Stats()
	log.Info("replay finished",
		"session_id", sessionID,
		"replayed", stats.ReplayedEvents,
		"skipped", stats.SkippedEvents,
		"errors", stats.ErrorEvents,
		"duration", stats.Duration,
	)

	if !follow {
		return nil
	}
	return followLive(ctx, client.LiveURL(sessionID), surface, cfg, log)
}

// list 按检索表达式列出会话，每行一个JSON
func list(ctx context.Context, client *collector.Client, query string) error {
	sessions, err := client.ListSessions(ctx, query)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, s := range sessions {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

// followLive 订阅实时事件直到连接关闭或收到信号
func followLive(ctx context.Context, url string, surface player.Surface, cfg *player.Config, log *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("connect live stream: %w", err)
	}
	defer conn.Close()
	log.Info("following live events", "url", url)

	src := make(chan events.Record, 64)
	go func() {
		defer close(src)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("live stream closed", "error", err)
				}
				return
			}
			select {
			case src <- events.Record(msg):
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	live := *cfg
	live.Speed = player.SpeedInstant
	return player.New(nil, surface, &live).Follow(ctx, src)
}
