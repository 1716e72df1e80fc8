package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"JornadaAgent/internal/events"
)

// Speed 回放速度
type Speed float64

const (
	SpeedSlow    Speed = 0.5 // 慢速回放
	SpeedNormal  Speed = 1.0 // 正常速度
	SpeedFast    Speed = 2.0 // 快速回放
	SpeedInstant Speed = 0.0 // 瞬间回放（无延迟）
)

// ErrAlreadyPlaying 回放进行中
var ErrAlreadyPlaying = errors.New("player: already playing")

// Surface 回放目标
type Surface interface {
	Render(ctx context.Context, rec events.Record) error
	// End 序列结束信号
	End(ctx context.Context) error
}

// Config 回放配置
type Config struct {
	Speed Speed `json:"speed"`
	// PauseOnError 遇到第一个渲染错误即停止
	PauseOnError bool `json:"pause_on_error"`
	// MaxGap 两条事件之间的最大等待，0 表示不限，用于跳过长时间无操作
	MaxGap time.Duration `json:"max_gap"`
	// Types 只回放这些 type 的事件，空表示全部
	Types []int `json:"types,omitempty"`
}

// Stats 回放统计
type Stats struct {
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	TotalEvents    int           `json:"total_events"`
	ReplayedEvents int           `json:"replayed_events"`
	SkippedEvents  int           `json:"skipped_events"`
	ErrorEvents    int           `json:"error_events"`
	AverageDelay   time.Duration `json:"average_delay"`
	MinDelay       time.Duration `json:"min_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
}

// Player 按记录的时间间隔把事件回放到 Surface
type Player struct {
	records []events.Record
	surface Surface
	config  Config
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	stats     Stats
	playing   bool
	lastStamp int64
	totalWait time.Duration
	waits     int
}

// envelope 回放只关心的字段
type envelope struct {
	Type      *int   `json:"type"`
	Timestamp *int64 `json:"timestamp"`
}

// New 创建回放器，config 为 nil 时按正常速度回放
func New(records []events.Record, surface Surface, config *Config) *Player {
	if config == nil {
		config = &Config{Speed: SpeedNormal}
	}
	return &Player{
		records: records,
		surface: surface,
		config:  *config,
		sleep:   sleepContext,
	}
}

// Play 按存储顺序同步回放全部事件，结束后发送结束信号
func (p *Player) Play(ctx context.Context) error {
	if err := p.begin(len(p.records)); err != nil {
		return err
	}
	defer p.finish()

	for _, rec := range p.records {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, ok := decodeEnvelope(rec)
		if !p.shouldReplay(env, ok) {
			p.mu.Lock()
			p.stats.SkippedEvents++
			p.mu.Unlock()
			continue
		}

		delay := p.delayFor(env)
		if wait := p.scaled(delay); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		}

		if err := p.render(ctx, rec, delay); err != nil {
			return err
		}
	}

	return p.surface.End(ctx)
}

// Follow 实时回放：事件到达即渲染，通道关闭后发送结束信号
func (p *Player) Follow(ctx context.Context, src <-chan events.Record) error {
	if err := p.begin(0); err != nil {
		return err
	}
	defer p.finish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-src:
			if !ok {
				return p.surface.End(ctx)
			}
			p.mu.Lock()
			p.stats.TotalEvents++
			p.mu.Unlock()

			env, decoded := decodeEnvelope(rec)
			if !p.shouldReplay(env, decoded) {
				p.mu.Lock()
				p.stats.SkippedEvents++
				p.mu.Unlock()
				continue
			}
			if err := p.render(ctx, rec, p.delayFor(env)); err != nil {
				return err
			}
		}
	}
}

func (p *Player) begin(total int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing {
		return ErrAlreadyPlaying
	}
	if p.surface == nil {
		return errors.New("player: no surface attached")
	}
	p.playing = true
	p.lastStamp = 0
	p.totalWait = 0
	p.waits = 0
	p.stats = Stats{StartTime: time.Now(), TotalEvents: total}
	return nil
}

func (p *Player) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.stats.EndTime = time.Now()
	p.stats.Duration = p.stats.EndTime.Sub(p.stats.StartTime)
}

func (p *Player) render(ctx context.Context, rec events.Record, delay time.Duration) error {
	err := p.surface.Render(ctx, rec)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.stats.ErrorEvents++
		if p.config.PauseOnError {
			return fmt.Errorf("render event %d: %w", p.stats.ReplayedEvents+p.stats.ErrorEvents, err)
		}
		return nil
	}

	p.stats.ReplayedEvents++
	if delay > 0 {
		if p.stats.MinDelay == 0 || delay < p.stats.MinDelay {
			p.stats.MinDelay = delay
		}
		if delay > p.stats.MaxDelay {
			p.stats.MaxDelay = delay
		}
		p.totalWait += delay
		p.waits++
		p.stats.AverageDelay = p.totalWait / time.Duration(p.waits)
	}
	return nil
}

func decodeEnvelope(rec events.Record) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(rec, &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

// shouldReplay 类型过滤；无法解析的事件在无过滤时照常回放
func (p *Player) shouldReplay(env envelope, decoded bool) bool {
	if len(p.config.Types) == 0 {
		return true
	}
	if !decoded || env.Type == nil {
		return false
	}
	for _, t := range p.config.Types {
		if *env.Type == t {
			return true
		}
	}
	return false
}

// delayFor 与上一条带时间戳事件的间隔，乱序或缺失时间戳时为0
func (p *Player) delayFor(env envelope) time.Duration {
	if env.Timestamp == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stamp := *env.Timestamp
	if p.lastStamp == 0 || stamp <= p.lastStamp {
		if stamp > p.lastStamp {
			p.lastStamp = stamp
		}
		return 0
	}
	delay := time.Duration(stamp-p.lastStamp) * time.Millisecond
	p.lastStamp = stamp
	return delay
}

func (p *Player) scaled(delay time.Duration) time.Duration {
	if p.config.Speed <= 0 || delay <= 0 {
		return 0
	}
	wait := time.Duration(float64(delay) / float64(p.config.Speed))
	if p.config.MaxGap > 0 && wait > p.config.MaxGap {
		wait = p.config.MaxGap
	}
	return wait
}

// Stats 回放统计快照
func (p *Player) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := p.stats
	if p.playing {
		stats.Duration = time.Since(stats.StartTime)
	}
	return stats
}

// IsPlaying 是否正在回放
func (p *Player) IsPlaying() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
