package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"JornadaAgent/internal/events"
)

// maxLineSize 单条事件的最大字节数
const maxLineSize = 4 << 20

// LineInstrumentation 从 io.Reader 读取每行一条JSON事件，用于命令行和管道
type LineInstrumentation struct {
	r      io.Reader
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	err     error
	invalid int
}

// NewLineInstrumentation 创建按行读取的采集器
func NewLineInstrumentation(r io.Reader, logger *slog.Logger) *LineInstrumentation {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineInstrumentation{
		r:      r,
		logger: logger.With("component", "line_instrumentation"),
		done:   make(chan struct{}),
	}
}

// Record 启动读取，只能调用一次
func (l *LineInstrumentation) Record(emit func(events.Record)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil, errors.New("line instrumentation already started")
	}
	l.started = true

	go l.read(emit)
	return l.stop, nil
}

func (l *LineInstrumentation) read(emit func(events.Record)) {
	defer close(l.done)

	scanner := bufio.NewScanner(l.r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		valid := json.Valid(line)

		l.mu.Lock()
		stopped := l.stopped
		if !stopped && !valid {
			l.invalid++
		}
		l.mu.Unlock()

		if stopped {
			return
		}
		if !valid {
			l.logger.Warn("skipping invalid JSON line", "bytes", len(line))
			continue
		}
		emit(events.Record(bytes.Clone(line)))
	}

	if err := scanner.Err(); err != nil {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.logger.Error("reading events failed", "error", err)
	}
}

func (l *LineInstrumentation) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

// Done 输入读完或出错时关闭
func (l *LineInstrumentation) Done() <-chan struct{} {
	return l.done
}

// Err 读取错误，EOF 不算错误
func (l *LineInstrumentation) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Invalid 被跳过的无效行数
func (l *LineInstrumentation) Invalid() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invalid
}
