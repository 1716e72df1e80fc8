package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"JornadaAgent/internal/collector"
	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
	"JornadaAgent/internal/storage"
	"JornadaAgent/internal/testutil"
)

func newTestAgent(t *testing.T, fc *testutil.FakeCollector, opts Options, instr Instrumentation) *Agent {
	t.Helper()
	a, err := New(opts, Deps{Collector: fc.Client(), Instrumentation: instr})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// newClockedAgent 周期任务由假时钟驱动，只有 Advance 才会触发tick
func newClockedAgent(t *testing.T, fc *testutil.FakeCollector, opts Options, instr Instrumentation) (*Agent, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	a, err := New(opts, Deps{Collector: fc.Client(), Instrumentation: instr, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, clock
}

// failingKV 所有操作都失败的存储
type failingKV struct{}

var errStorage = errors.New("storage unavailable")

func (failingKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStorage }
func (failingKV) Set(context.Context, string, []byte) error         { return errStorage }
func (failingKV) Remove(context.Context, string) error              { return errStorage }
func (failingKV) Close() error                                      { return nil }

// TestNewRequiresCollector 测试缺少采集端时构造失败
func TestNewRequiresCollector(t *testing.T) {
	_, err := New(DefaultOptions(), Deps{})
	assert.ErrorIs(t, err, ErrNoCollector)
}

// TestSetUserOnEmptyStorage 空存储上设置用户后读取描述
func TestSetUserOnEmptyStorage(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)

	a.SetUser(session.User{ID: "u1"})

	d, err := a.Descriptor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.User{ID: "u1"}, d.User)
	assert.Equal(t, session.DefaultClientTag, d.ClientTag)
	assert.Empty(t, d.ID)
	assert.False(t, a.Registered())
	assert.NoError(t, a.Err())

	testutil.NewCollectorAssertions(t, fc).AssertPosts(0)
}

// TestMutatorsChainAndMirror 测试链式调用，未设置的字段保持原值
func TestMutatorsChainAndMirror(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)

	same := a.SetUser(session.User{ID: "u1", Email: "a@b.c"}).
		SetMeta(map[string]string{"plan": "free"}).
		SetClientTag("shop").
		SetMeta(map[string]string{"plan": "pro"}).
		SetUser(session.User{ID: "u2"})
	assert.Same(t, a, same)

	d, err := a.Descriptor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.User{ID: "u2"}, d.User, "user is replaced as a whole")
	assert.Equal(t, map[string]string{"plan": "pro"}, d.Meta)
	assert.Equal(t, "shop", d.ClientTag)

	assert.Equal(t, d.User, a.User())
	assert.Equal(t, d.Meta, a.Meta())
	assert.Equal(t, "shop", a.ClientTag())
	assert.False(t, a.Registered())
}

// TestMirrorsLoadedFromStorage 测试构造时从已有存储恢复镜像状态
func TestMirrorsLoadedFromStorage(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	kv := storage.NewMemoryKV()

	first, err := New(DefaultOptions(), Deps{KV: kv, Collector: fc.Client()})
	require.NoError(t, err)
	first.SetClientTag("kiosk")

	second, err := New(DefaultOptions(), Deps{KV: kv, Collector: fc.Client()})
	require.NoError(t, err)
	assert.Equal(t, "kiosk", second.ClientTag())
}

// TestTickRegistersThenFlushes 一次tick先注册再上传，缓冲区随后为空
func TestTickRegistersThenFlushes(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)
	ca := testutil.NewCollectorAssertions(t, fc)

	records := testutil.Records(3)
	for _, r := range records {
		a.Emit(r)
	}
	assert.Equal(t, 3, a.Stats().Buffered)

	a.Tick(context.Background())

	ca.AssertPosts(1)
	ca.AssertPuts(1)
	ca.AssertBatch(0, "s1", records)
	assert.Equal(t, 0, a.Stats().Buffered)
	assert.True(t, a.Registered())
}

// TestTickEmptyBufferNoUpload 空缓冲区不上传
func TestTickEmptyBufferNoUpload(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)

	a.Tick(context.Background())
	a.Tick(context.Background())

	ca := testutil.NewCollectorAssertions(t, fc)
	ca.AssertPosts(1)
	ca.AssertPuts(0)
}

// TestRegisteredSessionNotReposted 注册成功后直到下一次修改前不再注册
func TestRegisteredSessionNotReposted(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)
	ca := testutil.NewCollectorAssertions(t, fc)
	ctx := context.Background()

	a.Tick(ctx)
	a.Tick(ctx)
	a.Tick(ctx)
	ca.AssertPosts(1)

	d, err := a.Descriptor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", d.ID)

	a.SetMeta(map[string]string{"step": "checkout"})
	assert.False(t, a.Registered())

	a.Tick(ctx)
	a.Tick(ctx)
	ca.AssertPosts(2)

	posted := fc.Registered()
	assert.Equal(t, "s1", posted[1].ID, "re-registration carries the assigned id")
	assert.Equal(t, "checkout", posted[1].Meta["step"])
}

// TestRegistrationFailureRetried 注册失败后保持未注册，下一次tick以相同内容重试
func TestRegistrationFailureRetried(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)
	ca := testutil.NewCollectorAssertions(t, fc)
	ctx := context.Background()

	a.SetUser(session.User{ID: "u1"})
	a.Emit(events.Record(`{"type":4}`))
	fc.FailSessions(true)

	a.Tick(ctx)
	assert.False(t, a.Registered())
	assert.Error(t, a.Err())
	ca.AssertPuts(0)

	a.Tick(ctx)
	ca.AssertPosts(2)
	posted := fc.Registered()
	assert.Equal(t, posted[0], posted[1])

	fc.FailSessions(false)
	a.Tick(ctx)
	assert.True(t, a.Registered())
	ca.AssertPosts(3)
	ca.AssertPuts(1)
	ca.AssertBatch(0, "s1", []events.Record{events.Record(`{"type":4}`)})

	stats := a.Stats()
	assert.Equal(t, int64(3), stats.SyncAttempts)
	assert.Equal(t, int64(2), stats.SyncFailures)
}

// TestFlushFailureLosesBatch 默认上传失败的批次丢失
func TestFlushFailureLosesBatch(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a := newTestAgent(t, fc, DefaultOptions(), nil)
	ctx := context.Background()

	a.Tick(ctx)
	fc.FailEvents(true)
	for _, r := range testutil.Records(2) {
		a.Emit(r)
	}
	a.Tick(ctx)

	stats := a.Stats()
	assert.Equal(t, 0, stats.Buffered)
	assert.Equal(t, int64(2), stats.Lost)

	fc.FailEvents(false)
	a.Tick(ctx)
	testutil.NewCollectorAssertions(t, fc).AssertPuts(1)
}

// TestRetainOnFailure 保留模式下失败批次在下次tick重发
func TestRetainOnFailure(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	opts := DefaultOptions()
	opts.RetainOnFailure = true
	a := newTestAgent(t, fc, opts, nil)
	ca := testutil.NewCollectorAssertions(t, fc)
	ctx := context.Background()

	records := testutil.Records(3)
	fc.FailEvents(true)
	for _, r := range records[:2] {
		a.Emit(r)
	}
	a.Tick(ctx)
	assert.Equal(t, 2, a.Stats().Buffered)

	fc.FailEvents(false)
	a.Emit(records[2])
	a.Tick(ctx)

	ca.AssertPuts(2)
	ca.AssertBatch(1, "s1", records)
	assert.Equal(t, 0, a.Stats().Buffered)
	assert.Equal(t, int64(0), a.Stats().Lost)
}

// TestStartIsIdempotent 重复启动只有一个周期任务
func TestStartIsIdempotent(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	instr := testutil.NewFakeInstrumentation(nil)
	a, clock := newClockedAgent(t, fc, DefaultOptions(), instr)

	a.Start()
	a.Start()
	assert.True(t, a.Running())

	// 启动同步完成后任务停在唯一的ticker上
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	assert.True(t, a.Registered())

	ca := testutil.NewCollectorAssertions(t, fc)
	ca.AssertPosts(1)
	ca.AssertPuts(0)
	assert.Equal(t, 1, instr.Starts())
}

// TestStartedAgentUploadsEvents 启动后周期上传采集的事件
func TestStartedAgentUploadsEvents(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	instr := testutil.NewFakeInstrumentation(nil)
	a, clock := newClockedAgent(t, fc, DefaultOptions(), instr)

	a.Start()
	records := testutil.Records(5)
	require.True(t, instr.Emit(records...))

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(DefaultFlushInterval)

	var got []events.Record
	require.Eventually(t, func() bool {
		got = got[:0]
		for _, b := range fc.Batches() {
			assert.Equal(t, "s1", b.SessionID)
			got = append(got, b.Records...)
		}
		return len(got) == 5
	}, 2*time.Second, 5*time.Millisecond)
	for i := range records {
		assert.JSONEq(t, string(records[i]), string(got[i]))
	}
}

// TestCloseStopsEverything 关闭后不再有网络请求，会话被清除，采集停止
func TestCloseStopsEverything(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	instr := testutil.NewFakeInstrumentation(nil)
	a, clock := newClockedAgent(t, fc, DefaultOptions(), instr)
	ca := testutil.NewCollectorAssertions(t, fc)

	a.Start()
	instr.Emit(testutil.Records(1)...)
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(DefaultFlushInterval)
	ca.WaitPuts(1, 2*time.Second)

	a.Close()
	assert.False(t, a.Running())
	assert.True(t, instr.Stopped())

	posts, puts := fc.Posts(), fc.Puts()
	a.Emit(events.Record(`{"late":true}`))
	a.Tick(context.Background())
	a.Start()
	clock.Advance(time.Hour)

	assert.False(t, a.Running())
	ca.AssertPosts(posts)
	ca.AssertPuts(puts)
	assert.ErrorIs(t, a.Err(), ErrClosed)

	d, err := a.Descriptor(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d.ID, "session cleared on close")

	a.Close()
}

// TestInstrumentationFailure 采集器加载失败时不重试，同步仍然运行
func TestInstrumentationFailure(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	instr := testutil.NewFakeInstrumentation(testutil.ErrInstrumentationLoad)
	a, _ := newClockedAgent(t, fc, DefaultOptions(), instr)

	a.Start()
	assert.True(t, a.Running())
	assert.ErrorIs(t, a.Err(), testutil.ErrInstrumentationLoad)

	a.Close()
	a.Start()
	assert.Equal(t, 1, instr.Starts())
}

// TestDrainOnClose 关闭时发送剩余事件
func TestDrainOnClose(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	opts := DefaultOptions()
	opts.DrainOnClose = true
	a, clock := newClockedAgent(t, fc, opts, nil)

	a.Start()
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	require.True(t, a.Registered())

	records := testutil.Records(2)
	for _, r := range records {
		a.Emit(r)
	}
	a.Close()

	ca := testutil.NewCollectorAssertions(t, fc)
	ca.AssertPuts(1)
	ca.AssertBatch(0, "s1", records)
	assert.Equal(t, int64(2), a.Stats().Sent)
}

// TestDrainOnCloseGivesUp 上传持续失败时在超时内放弃
func TestDrainOnCloseGivesUp(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	opts := DefaultOptions()
	opts.DrainOnClose = true
	opts.DrainTimeout = 300 * time.Millisecond
	a := newTestAgent(t, fc, opts, nil)

	a.Tick(context.Background())
	fc.FailEvents(true)
	a.Emit(events.Record(`{"n":1}`))

	start := time.Now()
	a.Close()
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.GreaterOrEqual(t, fc.Puts(), 1)
	assert.Equal(t, int64(1), a.Stats().Lost)
}

// TestStorageFailureSwallowed 存储不可用时修改器不报错，错误可查
func TestStorageFailureSwallowed(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")
	a, err := New(DefaultOptions(), Deps{KV: failingKV{}, Collector: fc.Client()})
	require.NoError(t, err)

	a.SetUser(session.User{ID: "u1"})
	assert.ErrorIs(t, a.Err(), errStorage)
	assert.Equal(t, session.User{}, a.User())

	a.Emit(events.Record(`{}`))
	a.Tick(context.Background())
	testutil.NewCollectorAssertions(t, fc).AssertPosts(0)
	assert.Equal(t, 1, a.Stats().Buffered)
}

// TestReloadKeepsSession 模拟页面重新加载：同一存储上的新代理沿用会话ID
func TestReloadKeepsSession(t *testing.T) {
	cs := testutil.NewCollectorServer(t, collector.ServerOptions{})
	kv, err := storage.NewSQLiteKV(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	first, err := New(DefaultOptions(), Deps{KV: kv, Collector: cs.Client()})
	require.NoError(t, err)
	first.SetUser(session.User{ID: "u1", Name: "Ana"})
	first.Emit(events.Record(`{"page":1}`))
	first.Tick(ctx)

	d, err := first.Descriptor(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)

	// 不调用 Close：页面卸载不会清除会话
	second, err := New(DefaultOptions(), Deps{KV: kv, Collector: cs.Client()})
	require.NoError(t, err)
	defer second.Close()
	assert.False(t, second.Registered())

	second.Emit(events.Record(`{"page":2}`))
	second.Tick(ctx)

	d2, err := second.Descriptor(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.ID, d2.ID)

	stored, err := cs.Repo.Events(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.JSONEq(t, `{"page":1}`, string(stored[0]))
	assert.JSONEq(t, `{"page":2}`, string(stored[1]))

	list, err := cs.Repo.ListSessions(ctx, collector.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "Ana", list[0].User.Name)
}

// TestEmitDropsInvalidRecords 非法JSON记录不会拖垮同批的合法记录
func TestEmitDropsInvalidRecords(t *testing.T) {
	for _, retain := range []bool{false, true} {
		fc := testutil.NewFakeCollector(t, "s1")
		opts := DefaultOptions()
		opts.RetainOnFailure = retain
		a := newTestAgent(t, fc, opts, nil)
		ca := testutil.NewCollectorAssertions(t, fc)
		ctx := context.Background()

		a.Emit(events.Record(`{"ok":1}`))
		a.Emit(events.Record(`not-json`))
		a.Emit(events.Record(`{"ok":2}`))
		assert.Equal(t, 2, a.Stats().Buffered)

		for i := 0; i < 3; i++ {
			a.Tick(ctx)
		}

		ca.AssertPuts(1)
		ca.AssertBatch(0, "s1", []events.Record{events.Record(`{"ok":1}`), events.Record(`{"ok":2}`)})

		stats := a.Stats()
		assert.Equal(t, int64(1), stats.Invalid)
		assert.Equal(t, int64(2), stats.Sent)
		assert.Equal(t, int64(0), stats.Lost)
		assert.Equal(t, 0, stats.Buffered)
		assert.NoError(t, a.Err())
	}
}

// TestSessionRecreatedAfterCollectorLoss 采集端丢失会话后以相同ID重新注册并继续上传
func TestSessionRecreatedAfterCollectorLoss(t *testing.T) {
	for _, retain := range []bool{false, true} {
		cs := testutil.NewCollectorServer(t, collector.ServerOptions{})
		opts := DefaultOptions()
		opts.RetainOnFailure = retain
		a, err := New(opts, Deps{Collector: cs.Client()})
		require.NoError(t, err)
		ctx := context.Background()

		a.Emit(events.Record(`{"n":1}`))
		a.Tick(ctx)
		d, err := a.Descriptor(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, d.ID)

		// 清理任务或内存存储重启都会让会话消失
		require.NoError(t, cs.Repo.DeleteSession(ctx, d.ID))

		a.Emit(events.Record(`{"n":2}`))
		a.Tick(ctx)
		assert.False(t, a.Registered(), "404 marks the session for re-registration")

		a.Emit(events.Record(`{"n":3}`))
		a.Tick(ctx)
		assert.True(t, a.Registered())

		_, err = cs.Repo.GetSession(ctx, d.ID)
		require.NoError(t, err, "session re-created under the same id")

		stored, err := cs.Repo.Events(ctx, d.ID)
		require.NoError(t, err)
		var got []string
		for _, r := range stored {
			got = append(got, string(r))
		}
		if retain {
			assert.Equal(t, []string{`{"n":2}`, `{"n":3}`}, got)
			assert.Equal(t, int64(0), a.Stats().Lost)
		} else {
			assert.Equal(t, []string{`{"n":3}`}, got)
			assert.Equal(t, int64(1), a.Stats().Lost)
		}
		assert.Equal(t, int64(2), a.Stats().SyncAttempts)
		a.Close()
	}
}

// TestDrainRecreatesLostSession 关闭时发现会话丢失，重新注册后发送剩余事件
func TestDrainRecreatesLostSession(t *testing.T) {
	cs := testutil.NewCollectorServer(t, collector.ServerOptions{})
	opts := DefaultOptions()
	opts.DrainOnClose = true
	a, err := New(opts, Deps{Collector: cs.Client()})
	require.NoError(t, err)
	ctx := context.Background()

	a.Tick(ctx)
	d, err := a.Descriptor(ctx)
	require.NoError(t, err)
	require.NoError(t, cs.Repo.DeleteSession(ctx, d.ID))

	a.Emit(events.Record(`{"last":true}`))
	a.Close()

	stored, err := cs.Repo.Events(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, `{"last":true}`, string(stored[0]))
	assert.Equal(t, int64(1), a.Stats().Sent)
}

// TestStartRacingClose 与 Close 并发的 Start 不会留下运行中的任务
func TestStartRacingClose(t *testing.T) {
	fc := testutil.NewFakeCollector(t, "s1")

	for i := 0; i < 50; i++ {
		instr := testutil.NewFakeInstrumentation(nil)
		a, _ := newClockedAgent(t, fc, DefaultOptions(), instr)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.Start()
		}()
		go func() {
			defer wg.Done()
			a.Close()
		}()
		wg.Wait()

		assert.False(t, a.Running())
		if instr.Starts() > 0 {
			assert.True(t, instr.Stopped(), "instrumentation started before close is stopped")
		}
	}
}
