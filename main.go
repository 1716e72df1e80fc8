package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"time"

	"JornadaAgent/internal/agent"
	"JornadaAgent/internal/collector"
	"JornadaAgent/internal/events"
	"JornadaAgent/internal/logger"
	"JornadaAgent/internal/player"
	"JornadaAgent/internal/session"
	"JornadaAgent/internal/storage"
)

func main() {
	var (
		count    = flag.Int("events", 10, "演示事件数量")
		interval = flag.Duration("interval", 200*time.Millisecond, "同步周期")
		speed    = flag.Float64("speed", float64(player.SpeedFast), "回放速度")
		verbose  = flag.Bool("v", false, "输出调试日志")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, _ := logger.InitLogger(level, "text")

	if err := runDemo(log, *count, *interval, player.Speed(*speed)); err != nil {
		fmt.Printf("❌ 演示失败: %v\n", err)
		os.Exit(1)
	}
}

// runDemo 进程内启动采集端和代理，录制一段会话后回放
func runDemo(log *slog.Logger, count int, interval time.Duration, speed player.Speed) error {
	fmt.Println("🚀 JornadaAgent - 会话录制代理演示")
	fmt.Println("=================================")
	fmt.Println()

	repo := collector.NewMemoryRepository()
	srv := collector.NewServer(repo, collector.ServerOptions{Anonymise: false, Logger: log})
	httpSrv := httptest.NewServer(srv.Handler())
	adminSrv := httptest.NewServer(srv.AdminHandler())
	defer httpSrv.Close()
	defer adminSrv.Close()
	defer srv.Shutdown(context.Background())
	fmt.Printf("📡 采集端已启动: %s (管理 %s)\n", httpSrv.URL, adminSrv.URL)

	var emit func(events.Record)
	instr := agent.InstrumentationFunc(func(e func(events.Record)) (func(), error) {
		emit = e
		return func() { emit = nil }, nil
	})

	a, err := agent.New(agent.Options{FlushInterval: interval}, agent.Deps{
		KV:              storage.NewMemoryKV(),
		Collector:       collector.NewClient(httpSrv.URL),
		Instrumentation: instr,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	a.SetUser(session.User{ID: "demo-user", Email: "demo@example.com", Name: "Demo"}).
		SetMeta(map[string]string{"env": "demo"}).
		SetClientTag("demo-client")
	a.Start()
	fmt.Println("🎬 代理已启动，开始录制")

	start := time.Now()
	for i := 0; i < count; i++ {
		emit(events.MustRecord(map[string]any{
			"type":      3,
			"timestamp": start.Add(time.Duration(i) * 50 * time.Millisecond).UnixMilli(),
			"data":      map[string]any{"source": 1, "x": i * 10, "y": i * 5},
		}))
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Stats().Sent < int64(count) && time.Now().Before(deadline) {
		time.Sleep(interval / 2)
	}

	d, err := a.Descriptor(context.Background())
	if err != nil {
		return err
	}
	stats := a.Stats()
	a.Close()

	fmt.Println()
	fmt.Println("📊 录制统计:")
	fmt.Printf("  会话ID: %s\n", d.ID)
	fmt.Printf("  已发送: %d 条，批次: %d\n", stats.Sent, stats.Batches)
	fmt.Printf("  丢失: %d 条，同步失败: %d 次\n", stats.Lost, stats.SyncFailures)
	if d.ID == "" {
		return fmt.Errorf("session was never registered")
	}

	records, err := collector.NewClient(httpSrv.URL, collector.WithAdminURL(adminSrv.URL)).GetEvents(context.Background(), d.ID)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("▶️  回放 %d 条事件 (速度 %.1fx)\n", len(records), float64(speed))
	p := player.New(records, player.NewJSONLinesSurface(os.Stdout), &player.Config{Speed: speed})
	if err := p.Play(context.Background()); err != nil {
		return err
	}

	ps := p.Stats()
	fmt.Println()
	fmt.Printf("✅ 回放完成: %d 条，跳过 %d 条，耗时 %v\n", ps.ReplayedEvents, ps.SkippedEvents, ps.Duration.Round(time.Millisecond))
	return nil
}
