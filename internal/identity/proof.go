package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/relaychat/internal/auth"
)

// AuthToken returns a relay handshake token proving possession of the
// identity key at time now: "<unix>.<hex signature>".
func (i *Identity) AuthToken(now time.Time) string {
	ts := now.Unix()
	sig := i.SignBytes(proofMessage(i.ID(), ts))
	return strconv.FormatInt(ts, 10) + "." + hex.EncodeToString(sig)
}

func proofMessage(id string, ts int64) []byte {
	return []byte("relaychat-auth:" + strings.ToLower(id) + ":" + strconv.FormatInt(ts, 10))
}

// ProofValidator accepts AuthToken proofs signed by the claimed identity
// within MaxSkew of the relay clock.
type ProofValidator struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v ProofValidator) Validate(id, token string) error {
	pub, err := ParseID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	tsRaw, sigRaw, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return fmt.Errorf("%w: malformed proof", auth.ErrUnauthorized)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed proof timestamp", auth.ErrUnauthorized)
	}
	sig, err := hex.DecodeString(sigRaw)
	if err != nil {
		return fmt.Errorf("%w: malformed proof signature", auth.ErrUnauthorized)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now().Sub(time.Unix(ts, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: proof outside clock skew", auth.ErrUnauthorized)
	}
	if !ed25519.Verify(pub, proofMessage(id, ts), sig) {
		return fmt.Errorf("%w: proof signature mismatch", auth.ErrUnauthorized)
	}
	return nil
}
