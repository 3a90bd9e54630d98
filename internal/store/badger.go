package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

const (
	prefixProfile = "profile/"
	prefixHandle  = "handle/"
	prefixPeer    = "peer/"
)

// BadgerConfig selects the on-disk location. InMemory is for tests.
type BadgerConfig struct {
	Path          string
	InMemory      bool
	EncryptionKey []byte
}

// Badger stores CBOR-encoded records in a badger database.
type Badger struct {
	db *badger.DB
}

func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("%w: badger path required", ErrInvalid)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if len(cfg.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(cfg.EncryptionKey).WithIndexCacheSize(16 << 20)
	}
	opts = opts.WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) LoadProfile(_ context.Context, id string) (Profile, error) {
	var p Profile
	err := b.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, prefixProfile+id, &p)
	})
	return p, err
}

func (b *Badger) SaveProfile(_ context.Context, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Handle = NormalizeHandle(p.Handle)
	return b.db.Update(func(txn *badger.Txn) error {
		if p.Handle != "" {
			owner, err := getString(txn, prefixHandle+p.Handle)
			if err == nil && owner != p.ID {
				return ErrHandleTaken
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		var prev Profile
		err := getRecord(txn, prefixProfile+p.ID, &prev)
		switch {
		case err == nil:
			if prev.Handle != "" && prev.Handle != p.Handle {
				if err := txn.Delete([]byte(prefixHandle + prev.Handle)); err != nil {
					return err
				}
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if p.Handle != "" {
			if err := txn.Set([]byte(prefixHandle+p.Handle), []byte(p.ID)); err != nil {
				return err
			}
		}
		return setRecord(txn, prefixProfile+p.ID, p)
	})
}

func (b *Badger) ProfileByHandle(_ context.Context, handle string) (Profile, error) {
	var p Profile
	err := b.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, prefixHandle+NormalizeHandle(handle))
		if err != nil {
			return err
		}
		return getRecord(txn, prefixProfile+id, &p)
	})
	return p, err
}

func (b *Badger) LoadPeer(_ context.Context, id string) (Peer, error) {
	var p Peer
	err := b.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, prefixPeer+id, &p)
	})
	return p, err
}

func (b *Badger) SavePeer(_ context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return setRecord(txn, prefixPeer+p.ID, p)
	})
}

func (b *Badger) DeletePeer(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixPeer + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// ListPeers relies on badger's sorted key order for id ordering.
func (b *Badger) ListPeers(_ context.Context) ([]Peer, error) {
	var out []Peer
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPeer)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p Peer
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("store: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func getRecord(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := cbor.Unmarshal(val, out); err != nil {
			return fmt.Errorf("store: decode %s: %w", key, err)
		}
		return nil
	})
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func setRecord(txn *badger.Txn, key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), raw)
}

// badgerLogger routes badger's internal logging through zerolog; info and
// debug chatter is demoted to trace.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	log.Error().Msgf("store.badger "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	log.Warn().Msgf("store.badger "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	log.Trace().Msgf("store.badger "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	log.Trace().Msgf("store.badger "+strings.TrimSpace(format), args...)
}
