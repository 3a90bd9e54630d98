package names

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/relaychat/internal/store"
	"github.com/danmuck/relaychat/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bobID = strings.Repeat("ab", 32)

func seededDirectory(t *testing.T) (Directory, store.Store) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.SaveProfile(context.Background(), store.Profile{ID: bobID, Handle: "bob"}))
	return StoreDirectory{Store: st}, st
}

func TestParseInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   string
		kind InputKind
		want string
	}{
		{"@Bob", InputHandle, "bob"},
		{"bob.chat", InputHandle, "bob"},
		{"  bob_99 ", InputHandle, "bob_99"},
		{strings.ToUpper(bobID), InputID, bobID},
	}
	for _, tc := range cases {
		got, err := ParseInput(tc.in, DefaultSuffix)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, got.Kind, tc.in)
		assert.Equal(t, tc.want, got.Value, tc.in)
	}

	invalid := []string{"", "@", "ab", "bob.eth", "bo b", "-bob", strings.Repeat("x", 40), "b@b"}
	for _, in := range invalid {
		_, err := ParseInput(in, DefaultSuffix)
		assert.Error(t, err, in)
	}
}

func TestResolveTypedResults(t *testing.T) {
	testlog.Start(t)
	dir, _ := seededDirectory(t)
	r := NewResolver(dir, "")
	ctx := context.Background()

	res, err := r.Resolve(ctx, "@bob")
	require.NoError(t, err)
	assert.True(t, res.Resolved())
	assert.Equal(t, bobID, res.ID)

	res, err = r.Resolve(ctx, "carol.chat")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, "carol", res.Handle)
	assert.Empty(t, res.ID)
	assert.NotEmpty(t, res.Reason)

	res, err = r.Resolve(ctx, "not a handle!")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, "invalid", res.Status.String())

	res, err = r.Resolve(ctx, bobID)
	require.NoError(t, err)
	assert.True(t, res.Resolved())
	assert.Equal(t, "bob", res.Handle)

	display, ok := r.Handle(ctx, bobID)
	assert.True(t, ok)
	assert.Equal(t, "bob.chat", display)
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (string, error) {
	return "", errors.New("directory offline")
}

func (failingDirectory) Reverse(context.Context, string) (string, error) {
	return "", errors.New("directory offline")
}

func TestResolveSurfacesDirectoryFailure(t *testing.T) {
	testlog.Start(t)
	r := NewResolver(failingDirectory{}, "")
	_, err := r.Resolve(context.Background(), "@bob")
	require.Error(t, err)

	res, err := r.Resolve(context.Background(), bobID)
	require.NoError(t, err, "raw ids resolve without the directory")
	assert.True(t, res.Resolved())
	assert.Empty(t, res.Handle)
}

type countingDirectory struct {
	Directory
	lookups int
}

func (c *countingDirectory) Lookup(ctx context.Context, handle string) (string, error) {
	c.lookups++
	return c.Directory.Lookup(ctx, handle)
}

func TestCachedDirectoryTTL(t *testing.T) {
	testlog.Start(t)
	dir, _ := seededDirectory(t)
	counting := &countingDirectory{Directory: dir}
	const ttl = 2 * time.Second
	cache := NewCachedDirectory(counting, ttl)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := cache.Lookup(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, bobID, id)
	}
	assert.Equal(t, 1, counting.lookups)

	_, err := cache.Lookup(ctx, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Lookup(ctx, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, counting.lookups, "negative answers are cached")

	time.Sleep(ttl/10 + 100*time.Millisecond)
	_, _ = cache.Lookup(ctx, "carol")
	assert.Equal(t, 3, counting.lookups, "negative ttl expired")

	time.Sleep(ttl)
	_, _ = cache.Lookup(ctx, "bob")
	assert.Equal(t, 4, counting.lookups, "positive ttl expired")

	cache.Invalidate("bob", bobID)
	_, _ = cache.Lookup(ctx, "bob")
	assert.Equal(t, 5, counting.lookups)
}

func TestCachedDirectoryIsBounded(t *testing.T) {
	testlog.Start(t)
	dir, _ := seededDirectory(t)
	counting := &countingDirectory{Directory: dir}
	cache := NewCachedDirectory(counting, time.Minute, WithCacheCapacity(8))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := cache.Lookup(ctx, fmt.Sprintf("nobody%03d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.LessOrEqual(t, cache.Len(), 8)
	assert.Equal(t, 100, counting.lookups)

	_, err := cache.Lookup(ctx, "nobody099")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 100, counting.lookups, "most recent miss still cached")
	_, _ = cache.Lookup(ctx, "nobody000")
	assert.Equal(t, 101, counting.lookups, "oldest entry evicted")
}
