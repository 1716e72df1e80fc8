package events

import (
	"encoding/json"
	"fmt"
)

// Record 埋点库产生的一条不透明事件记录，核心逻辑从不解析其内容
type Record = json.RawMessage

// NewRecord 将任意值编码为事件记录
func NewRecord(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event record: %w", err)
	}
	return Record(raw), nil
}

// MustRecord 编码失败时panic，仅用于测试和固定数据
func MustRecord(v any) Record {
	r, err := NewRecord(v)
	if err != nil {
		panic(err)
	}
	return r
}
