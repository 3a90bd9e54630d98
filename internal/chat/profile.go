package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/relaychat/internal/cipher"
	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/names"
	"github.com/danmuck/relaychat/internal/store"
	"github.com/rs/zerolog/log"
)

const MaxDisplayNameLen = 64

// SetupProfile registers self under handle. The box public key is stored
// with the profile so peers can seal messages for it.
func SetupProfile(ctx context.Context, st store.Store, self *identity.Identity, handle, displayName string) (store.Profile, error) {
	h := names.NormalizeHandle(handle, "")
	if err := names.ValidateHandle(h); err != nil {
		return store.Profile{}, err
	}
	displayName = strings.TrimSpace(displayName)
	if len(displayName) > MaxDisplayNameLen {
		return store.Profile{}, fmt.Errorf("%w: display name longer than %d", store.ErrInvalid, MaxDisplayNameLen)
	}
	if displayName == "" {
		displayName = h
	}
	pub := self.BoxPublicKey()
	p := store.Profile{
		ID:          self.ID(),
		Handle:      h,
		DisplayName: displayName,
		BoxKey:      pub[:],
		UpdatedAt:   time.Now().UTC(),
	}
	if err := st.SaveProfile(ctx, p); err != nil {
		return store.Profile{}, err
	}
	log.Info().Str("id", p.ID).Str("handle", h).Msg("chat.SetupProfile saved")
	return p, nil
}

// StoreKeys serves box public keys from stored profiles.
type StoreKeys struct {
	Store store.Store
}

func (k StoreKeys) BoxKey(ctx context.Context, endpointID string) (*[32]byte, error) {
	p, err := k.Store.LoadProfile(ctx, endpointID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && len(p.BoxKey) != 32) {
		return nil, fmt.Errorf("%w: %s", cipher.ErrNoPeerKey, endpointID)
	}
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], p.BoxKey)
	return &key, nil
}
