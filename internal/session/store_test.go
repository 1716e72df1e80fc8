package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"JornadaAgent/internal/storage"
)

func newTestStore(t *testing.T) (*LocalStore, *storage.MemoryKV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	t.Cleanup(func() { kv.Close() })
	return NewLocalStore(kv, ""), kv
}

// TestLocalStoreGetDefault 测试空存储返回默认描述且不写入
func TestLocalStoreGetDefault(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore(t)

	d, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultClientTag, d.ClientTag)
	assert.Equal(t, User{}, d.User)
	assert.Empty(t, d.ID)

	_, ok, err := kv.Get(ctx, DefaultStorageKey)
	require.NoError(t, err)
	assert.False(t, ok, "default descriptor must not be persisted on read")
}

// TestLocalStoreSaveMerges 测试浅合并：设置的字段替换，其余保留
func TestLocalStoreSaveMerges(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Save(ctx, Patch{}.WithUser(User{ID: "u1", Email: "u1@example.com"}))
	require.NoError(t, err)
	_, err = store.Save(ctx, Patch{}.WithMeta(map[string]string{"plan": "pro"}))
	require.NoError(t, err)
	_, err = store.Save(ctx, Patch{}.WithClientTag("shop"))
	require.NoError(t, err)

	// 设置User替换整个对象，Email不保留
	d, err := store.Save(ctx, Patch{}.WithUser(User{Name: "Ana"}))
	require.NoError(t, err)

	assert.Equal(t, User{Name: "Ana"}, d.User)
	assert.Equal(t, map[string]string{"plan": "pro"}, d.Meta)
	assert.Equal(t, "shop", d.ClientTag)

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

// TestLocalStoreSaveResetsRegistered 测试修改会使注册失效
func TestLocalStoreSaveResetsRegistered(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, gen, err := store.snapshot(ctx)
	require.NoError(t, err)
	ok, err := store.confirm(ctx, gen, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, store.Registered())

	_, err = store.Save(ctx, Patch{}.WithClientTag("x"))
	require.NoError(t, err)
	assert.False(t, store.Registered())
}

// TestLocalStoreInvalidateKeepsID 测试会话丢失后需要重新注册，但ID不变
func TestLocalStoreInvalidateKeepsID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, gen, err := store.snapshot(ctx)
	require.NoError(t, err)
	ok, err := store.confirm(ctx, gen, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	store.Invalidate()
	assert.False(t, store.Registered())

	d, gen, err := store.snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", d.ID)

	ok, err = store.confirm(ctx, gen, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, store.Registered())
}

// TestLocalStoreConfirmStale 测试注册期间发生修改时不标记已注册，但保留ID
func TestLocalStoreConfirmStale(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, gen, err := store.snapshot(ctx)
	require.NoError(t, err)

	_, err = store.Save(ctx, Patch{}.WithUser(User{ID: "u2"}))
	require.NoError(t, err)

	ok, err := store.confirm(ctx, gen, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.Registered())

	d, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", d.ID)
	assert.Equal(t, "u2", d.User.ID)
}

// TestLocalStoreConfirmAfterClear 测试清除后迟到的注册响应不会恢复会话
func TestLocalStoreConfirmAfterClear(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore(t)

	_, err := store.Save(ctx, Patch{}.WithClientTag("x"))
	require.NoError(t, err)
	_, gen, err := store.snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx))

	ok, err := store.confirm(ctx, gen, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, persisted, err := kv.Get(ctx, DefaultStorageKey)
	require.NoError(t, err)
	assert.False(t, persisted)
}

// TestLocalStoreClear 测试清除
func TestLocalStoreClear(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Save(ctx, Patch{}.WithID("s1").WithClientTag("x"))
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	d, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultDescriptor(), d)
}

// TestLocalStoreCorrupt 测试损坏数据会报错
func TestLocalStoreCorrupt(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore(t)

	require.NoError(t, kv.Set(ctx, DefaultStorageKey, []byte("{not json")))

	_, err := store.Get(ctx)
	assert.ErrorIs(t, err, ErrCorruptDescriptor)

	_, err = store.Save(ctx, Patch{}.WithClientTag("x"))
	assert.ErrorIs(t, err, ErrCorruptDescriptor)
}

// TestLocalStoreStorageFailure 测试存储不可用时错误向上传播
func TestLocalStoreStorageFailure(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore(t)
	require.NoError(t, kv.Close())

	_, err := store.Get(ctx)
	assert.True(t, errors.Is(err, storage.ErrClosed))

	_, err = store.Save(ctx, Patch{}.WithClientTag("x"))
	assert.True(t, errors.Is(err, storage.ErrClosed))
	assert.False(t, store.Registered())
}

// TestGetReturnsIndependentCopies 测试读取结果互不影响
func TestGetReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Save(ctx, Patch{}.WithMeta(map[string]string{"a": "1"}))
	require.NoError(t, err)

	first, err := store.Get(ctx)
	require.NoError(t, err)
	first.Meta["a"] = "changed"

	second, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", second.Meta["a"])
}

// TestPatchApply 测试补丁合并规则
func TestPatchApply(t *testing.T) {
	base := Descriptor{
		ID:        "s1",
		ClientTag: "app",
		User:      User{ID: "u1", Email: "e"},
		Meta:      map[string]string{"k": "v"},
	}

	tests := []struct {
		name  string
		patch Patch
		want  Descriptor
	}{
		{
			name:  "empty patch keeps everything",
			patch: Patch{},
			want:  base,
		},
		{
			name:  "user replaced wholesale",
			patch: Patch{}.WithUser(User{Name: "n"}),
			want:  Descriptor{ID: "s1", ClientTag: "app", User: User{Name: "n"}, Meta: map[string]string{"k": "v"}},
		},
		{
			name:  "meta replaced wholesale",
			patch: Patch{}.WithMeta(map[string]string{"x": "y"}),
			want:  Descriptor{ID: "s1", ClientTag: "app", User: User{ID: "u1", Email: "e"}, Meta: map[string]string{"x": "y"}},
		},
		{
			name:  "meta cleared",
			patch: Patch{}.WithMeta(nil),
			want:  Descriptor{ID: "s1", ClientTag: "app", User: User{ID: "u1", Email: "e"}},
		},
		{
			name:  "id and tag",
			patch: Patch{}.WithID("s2").WithClientTag("other"),
			want:  Descriptor{ID: "s2", ClientTag: "other", User: User{ID: "u1", Email: "e"}, Meta: map[string]string{"k": "v"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.patch.Apply(base))
		})
	}

	assert.True(t, Patch{}.Empty())
	assert.False(t, Patch{}.WithMeta(nil).Empty())
}
