package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Sender 将一批事件发送到会话的事件端点
type Sender interface {
	AppendEvents(ctx context.Context, sessionID string, batch []Record) error
}

// SessionIDFunc 返回当前会话ID，未注册时为空
type SessionIDFunc func(ctx context.Context) (string, error)

// FlusherOptions flush行为配置
type FlusherOptions struct {
	// RetainOnFailure 发送失败时把批次放回缓冲区队首，而不是丢弃
	RetainOnFailure bool
	// OnSessionLost 采集端返回会话不存在时调用，批次按失败处理
	OnSessionLost func()
}

// Flusher 取走缓冲区并整批发送
type Flusher struct {
	buffer    *Buffer
	sender    Sender
	sessionID SessionIDFunc
	opts      FlusherOptions
	logger    *slog.Logger

	sent    atomic.Int64
	lost    atomic.Int64
	invalid atomic.Int64
	batches atomic.Int64
}

// NewFlusher 创建事件发送器
func NewFlusher(buffer *Buffer, sender Sender, sessionID SessionIDFunc, opts FlusherOptions, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		buffer:    buffer,
		sender:    sender,
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With("component", "event_flusher"),
	}
}

// Flush 发送当前缓冲的全部记录，返回本次取走的记录数。
// 缓冲区为空或会话尚未分配ID时不发起请求。
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	if f.buffer.Len() == 0 {
		return 0, nil
	}

	id, err := f.sessionID(ctx)
	if err != nil {
		return 0, err
	}
	if id == "" {
		f.logger.Debug("session not registered yet, holding events", "buffered", f.buffer.Len())
		return 0, nil
	}

	batch := f.valid(f.buffer.Drain())
	if len(batch) == 0 {
		return 0, nil
	}

	f.batches.Add(1)
	if err := f.sender.AppendEvents(ctx, id, batch); err != nil {
		if sessionLost(err) && f.opts.OnSessionLost != nil {
			f.opts.OnSessionLost()
		}
		if f.opts.RetainOnFailure && !permanent(err) {
			f.buffer.Requeue(batch)
			f.logger.Warn("event batch failed, requeued",
				"error", err,
				"session_id", id,
				"records", len(batch),
			)
		} else {
			f.lost.Add(int64(len(batch)))
			f.logger.Warn("event batch failed, dropped",
				"error", err,
				"session_id", id,
				"records", len(batch),
			)
		}
		return len(batch), fmt.Errorf("append events: %w", err)
	}

	f.sent.Add(int64(len(batch)))
	return len(batch), nil
}

// valid 剔除不是合法JSON的记录，这类记录会让整批编码失败
func (f *Flusher) valid(batch []Record) []Record {
	out := batch[:0]
	for _, rec := range batch {
		if json.Valid(rec) {
			out = append(out, rec)
			continue
		}
		f.invalid.Add(1)
	}
	if dropped := len(batch) - len(out); dropped > 0 {
		f.logger.Warn("invalid records dropped from batch", "records", dropped)
	}
	return out
}

// sessionLost 错误表示会话已不存在
func sessionLost(err error) bool {
	var nf interface{ NotFound() bool }
	return errors.As(err, &nf) && nf.NotFound()
}

// permanent 重发也不会成功的错误：请求体编码失败，或除会话丢失外的客户端错误
func permanent(err error) bool {
	var me *json.MarshalerError
	if errors.As(err, &me) {
		return true
	}
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return true
	}
	if sessionLost(err) {
		return false
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && !t.Temporary()
}

// Sent 成功发送的记录数
func (f *Flusher) Sent() int64 {
	return f.sent.Load()
}

// Lost 发送失败被丢弃的记录数
func (f *Flusher) Lost() int64 {
	return f.lost.Load()
}

// Invalid 发送前剔除的非法记录数
func (f *Flusher) Invalid() int64 {
	return f.invalid.Load()
}

// Batches 发起的批次请求数
func (f *Flusher) Batches() int64 {
	return f.batches.Load()
}
