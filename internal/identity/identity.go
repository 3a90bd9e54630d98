// Package identity holds the local endpoint keys. The endpoint id is the hex
// encoded ed25519 public key; envelope signatures are ed25519 over
// envelope.SigningBytes. A separate NaCl box key pair is kept alongside for
// message encryption.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"golang.org/x/crypto/nacl/box"
)

var (
	ErrInvalidID       = errors.New("identity: invalid endpoint id")
	ErrUnsigned        = errors.New("identity: envelope not signed")
	ErrBadSignature    = errors.New("identity: signature mismatch")
	ErrInvalidKeyBytes = errors.New("identity: invalid key material")
)

// IDLen is the length of an endpoint id in hex characters.
const IDLen = ed25519.PublicKeySize * 2

type Identity struct {
	public    ed25519.PublicKey
	private   ed25519.PrivateKey
	boxPublic *[32]byte
	boxSecret *[32]byte
}

func Generate() (*Identity, error) {
	return generate(rand.Reader)
}

func generate(r io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	boxPub, boxSec, err := box.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("identity: generate box key: %w", err)
	}
	return &Identity{public: pub, private: priv, boxPublic: boxPub, boxSecret: boxSec}, nil
}

// FromKeys rebuilds an identity from a 32-byte ed25519 seed and a 32-byte box
// secret.
func FromKeys(seed, boxSecret []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKeyBytes, ed25519.SeedSize)
	}
	if len(boxSecret) != 32 {
		return nil, fmt.Errorf("%w: box secret must be 32 bytes", ErrInvalidKeyBytes)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var sec [32]byte
	copy(sec[:], boxSecret)
	return &Identity{
		public:    priv.Public().(ed25519.PublicKey),
		private:   priv,
		boxPublic: BoxPublicFromSecret(&sec),
		boxSecret: &sec,
	}, nil
}

// ID is the endpoint identifier used in Envelope.From/To.
func (i *Identity) ID() string {
	return hex.EncodeToString(i.public)
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return slices.Clone(i.public)
}

func (i *Identity) Seed() []byte {
	return i.private.Seed()
}

func (i *Identity) BoxPublicKey() *[32]byte {
	out := *i.boxPublic
	return &out
}

func (i *Identity) BoxSecretKey() *[32]byte {
	out := *i.boxSecret
	return &out
}

// Sign implements session.Signer.
func (i *Identity) Sign(env envelope.Envelope) ([]byte, error) {
	msg, err := env.SigningBytes()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(i.private, msg), nil
}

// SignBytes signs an arbitrary message (auth proofs).
func (i *Identity) SignBytes(msg []byte) []byte {
	return ed25519.Sign(i.private, msg)
}

// ParseID decodes an endpoint id back into its public key.
func ParseID(id string) (ed25519.PublicKey, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) != IDLen {
		return nil, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidID, IDLen, len(id))
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return ed25519.PublicKey(raw), nil
}

func ValidID(id string) bool {
	_, err := ParseID(id)
	return err == nil
}

// Verifier checks envelope signatures against the sender's id. Signed
// envelopes must always verify; unsigned ones are accepted unless their kind
// is listed in RequireKinds.
type Verifier struct {
	RequireKinds []envelope.Kind
}

func (v Verifier) Verify(env envelope.Envelope) error {
	if len(env.Signature) == 0 {
		if slices.Contains(v.RequireKinds, env.Kind) {
			return fmt.Errorf("%w: %s from %s", ErrUnsigned, env.Kind, env.From)
		}
		return nil
	}
	pub, err := ParseID(env.From)
	if err != nil {
		return err
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, env.Signature) {
		return fmt.Errorf("%w: envelope %s", ErrBadSignature, env.ID)
	}
	return nil
}
