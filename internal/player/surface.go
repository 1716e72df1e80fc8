package player

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"JornadaAgent/internal/events"
)

// JSONLinesSurface 每条事件输出为一行紧凑JSON，用于导出
type JSONLinesSurface struct {
	mu  sync.Mutex
	w   *bufio.Writer
	buf bytes.Buffer
}

// NewJSONLinesSurface 创建JSON Lines输出
func NewJSONLinesSurface(w io.Writer) *JSONLinesSurface {
	return &JSONLinesSurface{w: bufio.NewWriter(w)}
}

func (s *JSONLinesSurface) Render(_ context.Context, rec events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := json.Compact(&s.buf, rec); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	s.buf.WriteByte('\n')
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	// 实时模式下逐条可见
	return s.w.Flush()
}

func (s *JSONLinesSurface) End(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}
