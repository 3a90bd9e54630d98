package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/curve25519"
)

const keyFileVersion = 1

var (
	ErrKeyFile       = errors.New("identity: invalid key file")
	ErrKeyFileExists = errors.New("identity: key file already exists")
)

type keyFile struct {
	Version   int       `toml:"version"`
	ID        string    `toml:"id"`
	Seed      string    `toml:"seed"`
	BoxSecret string    `toml:"box_secret"`
	CreatedAt time.Time `toml:"created_at"`
}

// Save writes the identity to path with owner-only permissions. An existing
// file is only replaced when overwrite is set.
func Save(path string, id *Identity, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrKeyFileExists, path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	body, err := toml.Marshal(keyFile{
		Version:   keyFileVersion,
		ID:        id.ID(),
		Seed:      hex.EncodeToString(id.Seed()),
		BoxSecret: hex.EncodeToString(id.boxSecret[:]),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := toml.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFile, err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeyFile, kf.Version)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(kf.Seed))
	if err != nil {
		return nil, fmt.Errorf("%w: seed: %v", ErrKeyFile, err)
	}
	boxSecret, err := hex.DecodeString(strings.TrimSpace(kf.BoxSecret))
	if err != nil {
		return nil, fmt.Errorf("%w: box_secret: %v", ErrKeyFile, err)
	}
	id, err := FromKeys(seed, boxSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFile, err)
	}
	if kf.ID != "" && !strings.EqualFold(kf.ID, id.ID()) {
		return nil, fmt.Errorf("%w: id does not match seed", ErrKeyFile)
	}
	return id, nil
}

// LoadOrCreate loads path, generating and saving a new identity when the
// file does not exist. created reports whether a new identity was written.
func LoadOrCreate(path string) (id *Identity, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, id, false); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// BoxPublicFromSecret derives the X25519 public key for a box secret.
func BoxPublicFromSecret(secret *[32]byte) *[32]byte {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		// Only fails for low-order points, which Basepoint is not.
		panic(fmt.Sprintf("identity: derive box public key: %v", err))
	}
	var out [32]byte
	copy(out[:], pub)
	return &out
}
