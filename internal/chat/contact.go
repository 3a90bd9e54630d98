package chat

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/names"
	"github.com/danmuck/relaychat/internal/store"
)

const contactScheme = "relaychat"

var ErrInvalidContact = errors.New("chat: invalid contact card")

// ContactCard renders a profile as "relaychat:<id>:<handle>:<box key hex>",
// the string users exchange out of band before they can message each other.
func ContactCard(p store.Profile) string {
	return strings.Join([]string{contactScheme, p.ID, p.Handle, hex.EncodeToString(p.BoxKey)}, ":")
}

func ParseContactCard(card string) (store.Profile, error) {
	parts := strings.Split(strings.TrimSpace(card), ":")
	if len(parts) != 4 || parts[0] != contactScheme {
		return store.Profile{}, fmt.Errorf("%w: expected %s:<id>:<handle>:<key>", ErrInvalidContact, contactScheme)
	}
	id, handle := strings.ToLower(parts[1]), parts[2]
	if !identity.ValidID(id) {
		return store.Profile{}, fmt.Errorf("%w: bad id", ErrInvalidContact)
	}
	if handle != "" {
		if err := names.ValidateHandle(handle); err != nil {
			return store.Profile{}, fmt.Errorf("%w: %w", ErrInvalidContact, err)
		}
	}
	key, err := hex.DecodeString(parts[3])
	if err != nil || len(key) != 32 {
		return store.Profile{}, fmt.Errorf("%w: bad box key", ErrInvalidContact)
	}
	return store.Profile{ID: id, Handle: handle, DisplayName: handle, BoxKey: key}, nil
}

// AddContact stores a peer's profile and a peer record carrying nickname.
func AddContact(ctx context.Context, st store.Store, p store.Profile, nickname string) error {
	now := time.Now().UTC()
	p.UpdatedAt = now
	if err := st.SaveProfile(ctx, p); err != nil {
		return err
	}
	peer, err := st.LoadPeer(ctx, p.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		peer = store.Peer{ID: p.ID, AddedAt: now}
	case err != nil:
		return err
	}
	if nickname = strings.TrimSpace(nickname); nickname != "" {
		peer.Nickname = nickname
	}
	if p.Handle != "" {
		peer.Handle = p.Handle
	}
	peer.UpdatedAt = now
	return st.SavePeer(ctx, peer)
}
