package collector

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"JornadaAgent/internal/events"
	"JornadaAgent/internal/session"
)

// 需要设置 JORNADA_TEST_PG_DSN 才运行
func newPgxRepository(t *testing.T) *PgxRepository {
	t.Helper()

	dsn := os.Getenv("JORNADA_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("JORNADA_TEST_PG_DSN not set")
	}

	repo, err := ConnectPgx(context.Background(), DefaultPgxConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// TestPgxRepositoryRoundTrip 测试会话upsert与事件顺序
func TestPgxRepositoryRoundTrip(t *testing.T) {
	repo := newPgxRepository(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { repo.DeleteSession(context.Background(), id) })

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := Session{
		Descriptor: session.Descriptor{
			ID:        id,
			ClientTag: "web",
			User:      session.User{ID: "u1", Email: "a@b.c"},
			Meta:      map[string]string{"plan": "pro"},
		},
		UserAgent: "test",
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := repo.SaveSession(ctx, s)
	require.NoError(t, err)
	assert.True(t, created)

	s.User.Name = "Ana"
	created, err = repo.SaveSession(ctx, s)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.User.Name)
	assert.Equal(t, "pro", got.Meta["plan"])

	require.NoError(t, repo.AppendEvents(ctx, id, events.Record(`{"n": 1}`), events.Record(`{"n": 2}`)))
	require.NoError(t, repo.AppendEvents(ctx, id, events.Record(`{"n": 3}`)))

	recs, err := repo.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, `{"n": 1}`, string(recs[0]))
	assert.Equal(t, `{"n": 3}`, string(recs[2]))
}

// TestPgxRepositoryUnknownSession 测试未知会话
func TestPgxRepositoryUnknownSession(t *testing.T) {
	repo := newPgxRepository(t)
	ctx := context.Background()

	_, err := repo.GetSession(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = repo.AppendEvents(ctx, uuid.NewString(), events.Record(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// TestPgxRepositoryListSearch 测试检索表达式转换为SQL过滤
func TestPgxRepositoryListSearch(t *testing.T) {
	repo := newPgxRepository(t)
	ctx := context.Background()
	tag := uuid.NewString()

	ids := []string{uuid.NewString(), uuid.NewString()}
	t.Cleanup(func() { repo.DeleteSession(context.Background(), ids...) })

	now := time.Now().UTC()
	for i, plan := range []string{"pro", "free"} {
		_, err := repo.SaveSession(ctx, Session{
			Descriptor: session.Descriptor{ID: ids[i], ClientTag: tag, Meta: map[string]string{"plan": plan}},
			Browser:    Browser{Name: "Firefox", Version: "128.0"},
			OS:         OS{Name: "Linux"},
			Device:     "Other",
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		require.NoError(t, err)
	}

	got, err := repo.ListSessions(ctx, ListOptions{Query: mustQuery(t, "client_id = '"+tag+"' AND meta.plan = 'pro'")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, "Firefox", got[0].Browser.Name)
	assert.Equal(t, "Linux", got[0].OS.Name)

	got, err = repo.ListSessions(ctx, ListOptions{Query: mustQuery(t, "client_id = '"+tag+"' AND browser ~ fire")})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
