package events

import "sync"

// Buffer 事件缓冲区：埋点回调追加到队尾，每次flush整体取走。
// max <= 0 时不限长度；有上限时新记录挤掉最旧的记录。
type Buffer struct {
	mu      sync.Mutex
	records []Record
	max     int
	dropped uint64
}

// NewBuffer 创建事件缓冲区
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Append 追加一条记录
func (b *Buffer) Append(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, r)
	b.trimLocked()
}

// Drain 原子地取走全部记录并清空缓冲区
func (b *Buffer) Drain() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}
	batch := b.records
	b.records = nil
	return batch
}

// Requeue 把未发送成功的批次放回队首，保持原有顺序
func (b *Buffer) Requeue(batch []Record) {
	if len(batch) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]Record, 0, len(batch)+len(b.records))
	merged = append(merged, batch...)
	merged = append(merged, b.records...)
	b.records = merged
	b.trimLocked()
}

// Len 当前缓冲的记录数
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped 因超出上限被丢弃的记录数
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// trimLocked 超出上限时丢弃最旧的记录
func (b *Buffer) trimLocked() {
	if b.max <= 0 || len(b.records) <= b.max {
		return
	}
	excess := len(b.records) - b.max
	for i := 0; i < excess; i++ {
		b.records[i] = nil // release for GC
	}
	b.records = b.records[excess:]
	b.dropped += uint64(excess)
}
