package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/relaychat/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mem := NewMemory()
	bdb, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mem.Close()
		_ = bdb.Close()
	})
	return map[string]Store{"memory": mem, "badger": bdb}
}

func TestProfileHandleIndex(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := make([]byte, 32)
			key[0] = 7
			alice := Profile{ID: "id-alice", Handle: "@Alice", DisplayName: "Alice", BoxKey: key, UpdatedAt: time.Unix(1700000000, 0).UTC()}
			require.NoError(t, st.SaveProfile(ctx, alice))

			got, err := st.LoadProfile(ctx, "id-alice")
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Handle)
			assert.Equal(t, key, got.BoxKey)
			assert.True(t, got.UpdatedAt.Equal(alice.UpdatedAt))

			byHandle, err := st.ProfileByHandle(ctx, "ALICE")
			require.NoError(t, err)
			assert.Equal(t, "id-alice", byHandle.ID)

			err = st.SaveProfile(ctx, Profile{ID: "id-mallory", Handle: "alice"})
			assert.ErrorIs(t, err, ErrHandleTaken)

			alice.Handle = "alice2"
			require.NoError(t, st.SaveProfile(ctx, alice))
			_, err = st.ProfileByHandle(ctx, "alice")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, st.SaveProfile(ctx, Profile{ID: "id-mallory", Handle: "alice"}))

			_, err = st.LoadProfile(ctx, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPeerNicknames(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1700000000, 0).UTC()
			require.NoError(t, st.SavePeer(ctx, Peer{ID: "b", Nickname: "Bobby", AddedAt: now, UpdatedAt: now}))
			require.NoError(t, st.SavePeer(ctx, Peer{ID: "a", Nickname: "Al", AddedAt: now, UpdatedAt: now}))

			peers, err := st.ListPeers(ctx)
			require.NoError(t, err)
			require.Len(t, peers, 2)
			assert.Equal(t, "a", peers[0].ID)
			assert.Equal(t, "Bobby", peers[1].Nickname)

			require.NoError(t, st.DeletePeer(ctx, "a"))
			assert.ErrorIs(t, st.DeletePeer(ctx, "a"), ErrNotFound)
			_, err = st.LoadPeer(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, st.SavePeer(ctx, Peer{}), ErrInvalid)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	st, err := OpenBadger(BadgerConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, st.SaveProfile(ctx, Profile{ID: "id-bob", Handle: "bob"}))
	require.NoError(t, st.SavePeer(ctx, Peer{ID: "id-bob", Nickname: "B"}))
	require.NoError(t, st.Close())

	st, err = OpenBadger(BadgerConfig{Path: path})
	require.NoError(t, err)
	defer st.Close()
	p, err := st.ProfileByHandle(ctx, "@bob")
	require.NoError(t, err)
	assert.Equal(t, "id-bob", p.ID)
	peer, err := st.LoadPeer(ctx, "id-bob")
	require.NoError(t, err)
	assert.Equal(t, "B", peer.Nickname)
}

func TestMemoryClosed(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.LoadProfile(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProfileValidation(t *testing.T) {
	testlog.Start(t)
	assert.ErrorIs(t, Profile{}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Profile{ID: "x", BoxKey: []byte{1}}.Validate(), ErrInvalid)
}
