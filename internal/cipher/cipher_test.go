package cipher

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/danmuck/relaychat/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

type keyPair struct {
	pub, sec *[32]byte
}

func newPair(t *testing.T) keyPair {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return keyPair{pub: pub, sec: sec}
}

func directory(keys map[string]*[32]byte) KeyDirectory {
	return KeyDirectoryFunc(func(_ context.Context, id string) (*[32]byte, error) {
		if k, ok := keys[id]; ok {
			return k, nil
		}
		return nil, ErrNoPeerKey
	})
}

func TestSealOpenBetweenPeers(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	alice, bob := newPair(t), newPair(t)
	keys := map[string]*[32]byte{"alice": alice.pub, "bob": bob.pub}

	aliceSealer := NewBoxSealer(alice.sec, directory(keys))
	bobSealer := NewBoxSealer(bob.sec, directory(keys))

	ct, nonce, err := aliceSealer.Seal(ctx, []byte("hi bob"), "bob")
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)
	assert.NotContains(t, string(ct), "hi bob")

	plain, err := bobSealer.Open(ctx, ct, nonce, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(plain))

	_, nonce2, err := aliceSealer.Seal(ctx, []byte("hi bob"), "bob")
	require.NoError(t, err)
	assert.NotEqual(t, nonce, nonce2, "nonces must not repeat")
}

func TestSealUnknownRecipientIsEncryptionFailure(t *testing.T) {
	testlog.Start(t)
	alice := newPair(t)
	s := NewBoxSealer(alice.sec, directory(map[string]*[32]byte{}))
	_, _, err := s.Seal(context.Background(), []byte("x"), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncryption))
	assert.True(t, errors.Is(err, ErrNoPeerKey))
}

func TestOpenRejectsTamperingAndWrongSender(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	alice, bob, carol := newPair(t), newPair(t), newPair(t)
	keys := map[string]*[32]byte{"alice": alice.pub, "bob": bob.pub, "carol": carol.pub}
	ct, nonce, err := NewBoxSealer(alice.sec, directory(keys)).Seal(ctx, []byte("secret"), "bob")
	require.NoError(t, err)

	bobSealer := NewBoxSealer(bob.sec, directory(keys))
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = bobSealer.Open(ctx, tampered, nonce, "alice")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = bobSealer.Open(ctx, ct, nonce, "carol")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = bobSealer.Open(ctx, ct, nonce[:3], "alice")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSharedKeyCachedUntilForget(t *testing.T) {
	testlog.Start(t)
	alice, bob := newPair(t), newPair(t)
	lookups := 0
	dir := KeyDirectoryFunc(func(_ context.Context, id string) (*[32]byte, error) {
		lookups++
		return bob.pub, nil
	})
	s := NewBoxSealer(alice.sec, dir)
	for i := 0; i < 3; i++ {
		_, _, err := s.Seal(context.Background(), []byte("x"), "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, lookups)
	s.Forget("bob")
	_, _, err := s.Seal(context.Background(), []byte("x"), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, lookups)
}
