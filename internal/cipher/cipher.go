// Package cipher seals message payloads for a recipient endpoint. The
// primitive is NaCl box (X25519 + XSalsa20-Poly1305); callers treat it as an
// opaque Sealer.
package cipher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

const NonceSize = 24

var (
	ErrEncryption = errors.New("cipher: encryption failed")
	ErrDecryption = errors.New("cipher: decryption failed")
	ErrNoPeerKey  = errors.New("cipher: no key for peer")
)

// Sealer encrypts for and decrypts from a peer endpoint.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, recipient string) (ciphertext, nonce []byte, err error)
	Open(ctx context.Context, ciphertext, nonce []byte, sender string) ([]byte, error)
}

// KeyDirectory resolves a peer's box public key.
type KeyDirectory interface {
	BoxKey(ctx context.Context, endpointID string) (*[32]byte, error)
}

type KeyDirectoryFunc func(ctx context.Context, endpointID string) (*[32]byte, error)

func (f KeyDirectoryFunc) BoxKey(ctx context.Context, endpointID string) (*[32]byte, error) {
	return f(ctx, endpointID)
}

// BoxSealer seals with the local box secret. Shared keys are precomputed
// once per peer.
type BoxSealer struct {
	secret *[32]byte
	keys   KeyDirectory
	rand   io.Reader

	mu     sync.Mutex
	shared map[string]*[32]byte
}

func NewBoxSealer(secret *[32]byte, keys KeyDirectory) *BoxSealer {
	return &BoxSealer{
		secret: secret,
		keys:   keys,
		rand:   rand.Reader,
		shared: make(map[string]*[32]byte),
	}
}

func (s *BoxSealer) Seal(ctx context.Context, plaintext []byte, recipient string) ([]byte, []byte, error) {
	key, err := s.sharedKey(ctx, recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	sealed := box.SealAfterPrecomputation(nil, plaintext, &nonce, key)
	return sealed, nonce[:], nil
}

func (s *BoxSealer) Open(ctx context.Context, ciphertext, nonce []byte, sender string) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecryption, NonceSize)
	}
	key, err := s.sharedKey(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	plain, ok := box.OpenAfterPrecomputation(nil, ciphertext, &n, key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plain, nil
}

// Forget drops a cached shared key, e.g. after a peer rotates keys.
func (s *BoxSealer) Forget(peer string) {
	s.mu.Lock()
	delete(s.shared, peer)
	s.mu.Unlock()
}

func (s *BoxSealer) sharedKey(ctx context.Context, peer string) (*[32]byte, error) {
	s.mu.Lock()
	key, ok := s.shared[peer]
	s.mu.Unlock()
	if ok {
		return key, nil
	}
	if s.keys == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPeerKey, peer)
	}
	pub, err := s.keys.BoxKey(ctx, peer)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPeerKey, peer)
	}
	var shared [32]byte
	box.Precompute(&shared, pub, s.secret)
	s.mu.Lock()
	s.shared[peer] = &shared
	s.mu.Unlock()
	return &shared, nil
}
