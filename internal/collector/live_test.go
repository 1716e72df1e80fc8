package collector

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
)

// TestLiveStreamReceivesAppendedEvents 测试订阅者按顺序收到新追加的事件
func TestLiveStreamReceivesAppendedEvents(t *testing.T) {
	srv, _, client := newTestCollector(t, ServerOptions{})
	ctx := context.Background()

	created, err := client.CreateSession(ctx, session.DefaultDescriptor())
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(client.LiveURL(created.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.Live().Subscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	batch := []events.Record{
		events.Record(`{"type":3,"timestamp":10}`),
		events.Record(`{"type":3,"timestamp":20}`),
	}
	require.NoError(t, client.AppendEvents(ctx, created.ID, batch))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, want := range batch {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(msg))
	}

	t.Logf("✅ 实时订阅收到 %d 条事件", len(batch))
}

// TestLiveUnknownSession 测试未知会话拒绝升级
func TestLiveUnknownSession(t *testing.T) {
	_, _, client := newTestCollector(t, ServerOptions{})

	_, resp, err := websocket.DefaultDialer.Dial(client.LiveURL("nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

// TestLiveSubscriberDisconnect 测试断开后订阅计数归零
func TestLiveSubscriberDisconnect(t *testing.T) {
	srv, repo, client := newTestCollector(t, ServerOptions{})

	_, err := repo.SaveSession(context.Background(), Session{Descriptor: session.Descriptor{ID: "s1"}})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(client.LiveURL("s1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Live().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return srv.Live().Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
