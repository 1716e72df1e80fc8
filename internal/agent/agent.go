package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
	"JornadaAgent/internal/storage"
)

// storageTimeout 修改器访问本地存储的超时
const storageTimeout = 5 * time.Second

var (
	// ErrClosed 代理已关闭
	ErrClosed = errors.New("agent: closed")
	// ErrNoCollector 未提供采集端
	ErrNoCollector = errors.New("agent: collector is required")
)

// Instrumentation 事件采集器。Record 注册回调，每捕获一次交互调用一次 emit；
// 返回的 stop 永久停止采集。
type Instrumentation interface {
	Record(emit func(events.Record)) (stop func(), err error)
}

// InstrumentationFunc 函数适配器
type InstrumentationFunc func(emit func(events.Record)) (func(), error)

func (f InstrumentationFunc) Record(emit func(events.Record)) (func(), error) {
	return f(emit)
}

// Collector 采集端的注册与上传能力，collector.Client 即满足
type Collector interface {
	session.Registrar
	events.Sender
}

// Deps 代理依赖
type Deps struct {
	// KV 为空时使用进程内存储
	KV              storage.KV
	Collector       Collector
	Instrumentation Instrumentation
	Logger          *slog.Logger
	// Clock 驱动周期任务，为空时使用系统时钟
	Clock clockwork.Clock
}

// Stats 运行统计
type Stats struct {
	Running      bool
	Registered   bool
	Ticks        int64
	Buffered     int
	Dropped      uint64
	Invalid      int64
	Sent         int64
	Lost         int64
	Batches      int64
	SyncAttempts int64
	SyncFailures int64
}

// Agent 录制代理：维护本地会话描述，周期性注册会话并上传缓冲的事件。
// 公开方法不向调用方返回错误，失败只记录日志，可通过 Err 查看最近一次错误。
type Agent struct {
	opts      Options
	kv        storage.KV
	collector Collector
	instr     Instrumentation
	logger    *slog.Logger
	clock     clockwork.Clock

	store   *session.LocalStore
	syncer  *session.Synchronizer
	buffer  *events.Buffer
	flusher *events.Flusher

	// tickMu 保证tick互不重叠
	tickMu sync.Mutex

	mu            sync.Mutex
	user          session.User
	meta          map[string]string
	clientTag     string
	task          *periodicTask
	stopRecording func()
	instrFailed   bool
	lastErr       error

	closed    atomic.Bool
	closeOnce sync.Once
	ticks     atomic.Int64
	invalid   atomic.Int64
	drainSent atomic.Int64
	drainLost atomic.Int64
}

// New 创建录制代理
func New(opts Options, deps Deps) (*Agent, error) {
	if deps.Collector == nil {
		return nil, ErrNoCollector
	}
	opts = opts.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kv := deps.KV
	if kv == nil {
		kv = storage.NewMemoryKV()
	}

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	a := &Agent{
		opts:      opts,
		kv:        kv,
		collector: deps.Collector,
		instr:     deps.Instrumentation,
		logger:    logger.With("component", "agent"),
		clock:     clock,
		store:     session.NewLocalStore(kv, opts.StorageKey),
		buffer:    events.NewBuffer(opts.MaxBufferedEvents),
	}
	a.syncer = session.NewSynchronizer(a.store, deps.Collector, logger)
	a.flusher = events.NewFlusher(a.buffer, deps.Collector, a.syncer.SessionID,
		events.FlusherOptions{
			RetainOnFailure: opts.RetainOnFailure,
			OnSessionLost:   a.sessionLost,
		}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if d, err := a.store.Get(ctx); err != nil {
		a.fail("load session", err)
		a.mirror(session.DefaultDescriptor())
	} else {
		a.mirror(d)
	}

	return a, nil
}

// SetUser 替换整个用户信息
func (a *Agent) SetUser(user session.User) *Agent {
	return a.mutate("set user", session.Patch{}.WithUser(user))
}

// SetMeta 替换整个元数据
func (a *Agent) SetMeta(meta map[string]string) *Agent {
	return a.mutate("set meta", session.Patch{}.WithMeta(meta))
}

// SetClientTag 设置客户端标签
func (a *Agent) SetClientTag(tag string) *Agent {
	return a.mutate("set client tag", session.Patch{}.WithClientTag(tag))
}

func (a *Agent) mutate(op string, patch session.Patch) *Agent {
	if a.closed.Load() {
		a.fail(op, ErrClosed)
		return a
	}

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()

	d, err := a.store.Save(ctx, patch)
	if err != nil {
		a.fail(op, err)
		return a
	}
	a.mirror(d)
	return a
}

func (a *Agent) mirror(d session.Descriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = d.User
	a.meta = maps.Clone(d.Meta)
	a.clientTag = d.ClientTag
}

// fail 记录并吞掉错误
func (a *Agent) fail(op string, err error) {
	a.mu.Lock()
	a.lastErr = fmt.Errorf("%s: %w", op, err)
	a.mu.Unlock()
	a.logger.Warn(op+" failed", "error", err)
}

// Err 最近一次被吞掉的错误
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// User 最近一次保存的用户信息
func (a *Agent) User() session.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

// Meta 最近一次保存的元数据副本
func (a *Agent) Meta() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.meta)
}

// ClientTag 最近一次保存的客户端标签
func (a *Agent) ClientTag() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientTag
}

// Descriptor 从本地存储读取当前会话描述
func (a *Agent) Descriptor(ctx context.Context) (session.Descriptor, error) {
	return a.store.Get(ctx)
}

// Registered 采集端是否持有最新描述
func (a *Agent) Registered() bool {
	return a.store.Registered()
}

// Emit 采集回调，追加一条事件到缓冲区；关闭后忽略。
// 不是合法JSON的记录直接丢弃并计数，不进入批次。
func (a *Agent) Emit(rec events.Record) {
	if a.closed.Load() {
		return
	}
	if !json.Valid(rec) {
		a.invalid.Add(1)
		a.logger.Debug("invalid record dropped", "bytes", len(rec))
		return
	}
	a.buffer.Append(rec)
}

// sessionLost 采集端不再持有会话，下一次同步按原ID重新注册
func (a *Agent) sessionLost() {
	a.store.Invalidate()
	a.logger.Warn("collector lost the session, re-registering")
}

// Start 启动采集和周期任务，重复调用只保留一个任务。
// 启动时立即尝试注册一次，之后每个周期先注册再上传。
func (a *Agent) Start() {
	if a.closed.Load() {
		a.fail("start", ErrClosed)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Close 可能在上面的检查之后抢先执行
	if a.closed.Load() {
		a.lastErr = fmt.Errorf("start: %w", ErrClosed)
		return
	}
	if a.task != nil {
		return
	}

	if a.instr != nil && a.stopRecording == nil && !a.instrFailed {
		stop, err := a.instr.Record(a.Emit)
		if err != nil {
			// 采集器加载失败不重试，本次运行不再录制
			a.instrFailed = true
			a.lastErr = fmt.Errorf("start instrumentation: %w", err)
			a.logger.Error("instrumentation failed to start, recording disabled", "error", err)
		} else {
			a.stopRecording = stop
		}
	}

	a.task = startTask(a.clock, a.opts.FlushInterval, a.bootstrap, func(ctx context.Context) {
		a.Tick(ctx)
	})
	a.logger.Info("agent started", "flush_interval", a.opts.FlushInterval, "storage_key", a.store.Key())
}

func (a *Agent) bootstrap(ctx context.Context) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	if a.closed.Load() {
		return
	}
	if _, err := a.syncer.Sync(ctx); err != nil {
		a.fail("sync session", err)
	}
}

// Tick 执行一次同步：先注册会话，再上传缓冲事件
func (a *Agent) Tick(ctx context.Context) {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	if a.closed.Load() {
		return
	}
	a.ticks.Add(1)

	if _, err := a.syncer.Sync(ctx); err != nil {
		a.fail("sync session", err)
	}
	if _, err := a.flusher.Flush(ctx); err != nil {
		a.fail("flush events", err)
	}
}

// Running 周期任务是否在运行
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.task != nil
}

// Close 停止周期任务并等待当前tick结束，停止采集，清除本地会话。
// 返回后本代理不再发起网络请求。重复调用无效果。
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.closed.Store(true)

		a.mu.Lock()
		task := a.task
		a.task = nil
		stop := a.stopRecording
		a.stopRecording = nil
		a.mu.Unlock()

		if task != nil {
			task.stop()
		}
		if stop != nil {
			stop()
		}

		a.tickMu.Lock()
		defer a.tickMu.Unlock()

		if a.opts.DrainOnClose {
			a.drain()
		}

		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		if err := a.store.Clear(ctx); err != nil {
			a.fail("clear session", err)
		}

		a.logger.Info("agent closed",
			"sent", a.flusher.Sent()+a.drainSent.Load(),
			"lost", a.flusher.Lost()+a.drainLost.Load(),
			"discarded", a.buffer.Len(),
		)
	})
}

// drain 关闭前按指数退避重试发送剩余事件，4xx等不可重试错误立即放弃
func (a *Agent) drain() {
	batch := a.buffer.Drain()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.DrainTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = a.opts.DrainTimeout

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if _, err := a.syncer.Sync(ctx); err != nil {
			return classify(err)
		}
		id, err := a.syncer.SessionID(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if id == "" {
			return errors.New("session id not assigned yet")
		}
		err = a.collector.AppendEvents(ctx, id, batch)
		if isNotFound(err) {
			a.sessionLost()
			return err
		}
		return classify(err)
	}, backoff.WithContext(b, ctx))

	if err != nil {
		a.drainLost.Add(int64(len(batch)))
		a.fail("drain events", err)
		return
	}
	a.drainSent.Add(int64(len(batch)))
	a.logger.Debug("buffer drained on close", "records", len(batch), "attempts", attempts)
}

// temporary 由可区分重试性的错误实现，例如 collector.StatusError
type temporary interface {
	Temporary() bool
}

// notFound 由能识别"会话不存在"的错误实现
type notFound interface {
	NotFound() bool
}

func isNotFound(err error) bool {
	var nf notFound
	return errors.As(err, &nf) && nf.NotFound()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var t temporary
	if errors.As(err, &t) && !t.Temporary() {
		return backoff.Permanent(err)
	}
	return err
}

// Stats 运行统计快照
func (a *Agent) Stats() Stats {
	return Stats{
		Running:      a.Running(),
		Registered:   a.store.Registered(),
		Ticks:        a.ticks.Load(),
		Buffered:     a.buffer.Len(),
		Dropped:      a.buffer.Dropped(),
		Invalid:      a.invalid.Load() + a.flusher.Invalid(),
		Sent:         a.flusher.Sent() + a.drainSent.Load(),
		Lost:         a.flusher.Lost() + a.drainLost.Load(),
		Batches:      a.flusher.Batches(),
		SyncAttempts: a.syncer.Attempts(),
		SyncFailures: a.syncer.Failures(),
	}
}
