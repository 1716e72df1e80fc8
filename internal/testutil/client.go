package testutil

import (
	"errors"
	"sync"

	"JornadaAgent/internal/events"
)

// ErrInstrumentationLoad 模拟采集器加载失败
var ErrInstrumentationLoad = errors.New("instrumentation failed to load")

// FakeInstrumentation 可脚本化的采集器，测试中手动触发事件
type FakeInstrumentation struct {
	mu      sync.Mutex
	emit    func(events.Record)
	starts  int
	stopped bool
	err     error
}

// NewFakeInstrumentation 创建假采集器；err 非空时 Record 失败
func NewFakeInstrumentation(err error) *FakeInstrumentation {
	return &FakeInstrumentation{err: err}
}

// Record 注册回调
func (f *FakeInstrumentation) Record(emit func(events.Record)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.err != nil {
		return nil, f.err
	}
	f.emit = emit
	return f.stop, nil
}

func (f *FakeInstrumentation) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.emit = nil
}

// Emit 触发事件；未启动或已停止时忽略，返回是否投递
func (f *FakeInstrumentation) Emit(records ...events.Record) bool {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()

	if emit == nil {
		return false
	}
	for _, r := range records {
		emit(r)
	}
	return true
}

// Starts Record 被调用次数
func (f *FakeInstrumentation) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Stopped 是否已停止
func (f *FakeInstrumentation) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}
