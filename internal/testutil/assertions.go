package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"JornadaAgent/internal/events"
)

// Records 生成n条带序号和时间戳的事件
func Records(n int) []events.Record {
	out := make([]events.Record, n)
	for i := range out {
		out[i] = events.Record(fmt.Sprintf(`{"type":3,"seq":%d,"timestamp":%d}`, i, 1000+i*10))
	}
	return out
}

// CollectorAssertions 假采集端断言助手
type CollectorAssertions struct {
	t  *testing.T
	fc *FakeCollector
}

// NewCollectorAssertions 创建断言助手
func NewCollectorAssertions(t *testing.T, fc *FakeCollector) *CollectorAssertions {
	return &CollectorAssertions{t: t, fc: fc}
}

// AssertPosts 断言注册请求数
func (ca *CollectorAssertions) AssertPosts(expected int) {
	ca.t.Helper()
	assert.Equal(ca.t, expected, ca.fc.Posts(), "unexpected POST count")
	ca.t.Logf("✅ POST count assertion passed: %d", expected)
}

// AssertPuts 断言上传请求数
func (ca *CollectorAssertions) AssertPuts(expected int) {
	ca.t.Helper()
	assert.Equal(ca.t, expected, ca.fc.Puts(), "unexpected PUT count")
	ca.t.Logf("✅ PUT count assertion passed: %d", expected)
}

// WaitPosts 等待注册请求数达到期望值
func (ca *CollectorAssertions) WaitPosts(expected int, timeout time.Duration) {
	ca.t.Helper()
	require.Eventually(ca.t, func() bool { return ca.fc.Posts() >= expected }, timeout, 5*time.Millisecond,
		"expected %d POSTs", expected)
}

// WaitPuts 等待上传请求数达到期望值
func (ca *CollectorAssertions) WaitPuts(expected int, timeout time.Duration) {
	ca.t.Helper()
	require.Eventually(ca.t, func() bool { return ca.fc.Puts() >= expected }, timeout, 5*time.Millisecond,
		"expected %d PUTs", expected)
}

// AssertBatch 断言第i个批次的会话和内容
func (ca *CollectorAssertions) AssertBatch(i int, sessionID string, records []events.Record) {
	ca.t.Helper()
	batches := ca.fc.Batches()
	require.Greater(ca.t, len(batches), i, "batch %d not received", i)
	assert.Equal(ca.t, sessionID, batches[i].SessionID)
	require.Len(ca.t, batches[i].Records, len(records))
	for j := range records {
		assert.JSONEq(ca.t, string(records[j]), string(batches[i].Records[j]))
	}
	ca.t.Logf("✅ Batch %d assertion passed: %d records for %s", i, len(records), sessionID)
}
