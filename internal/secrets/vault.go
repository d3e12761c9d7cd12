package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"kittybot/internal/crypto"
	"kittybot/internal/storage"
)

// Credential names users can store.
const (
	KeyOpenAI     = "OPENAI_API_KEY"
	KeyGoogleAPI  = "GOOGLE_API_KEY"
	KeyGoogleCXID = "GOOGLE_CX_ID"
)

var ErrUnknownKey = errors.New("unknown credential name")

var known = map[string]bool{KeyOpenAI: true, KeyGoogleAPI: true, KeyGoogleCXID: true}

func IsKnown(name string) bool { return known[name] }

type Store interface {
	PutCredential(ctx context.Context, c storage.Credential) error
	GetCredential(ctx context.Context, userID, keyName string) (storage.Credential, error)
	DeleteCredential(ctx context.Context, userID, keyName string) error
	ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error)
}

type Config struct {
	Store  Store
	Sealer *crypto.Sealer
	Logger zerolog.Logger
}

// Vault keeps user credentials sealed at rest. Plaintext only exists in the
// return values of Get and Lookup.
type Vault struct {
	store  Store
	sealer *crypto.Sealer
	logger zerolog.Logger
}

func New(cfg Config) *Vault {
	return &Vault{store: cfg.Store, sealer: cfg.Sealer, logger: cfg.Logger}
}

func binding(userID, keyName string) string {
	return userID + ":" + keyName
}

func (v *Vault) Set(ctx context.Context, userID, keyName, value string) error {
	if !IsKnown(keyName) {
		return fmt.Errorf("%w %q", ErrUnknownKey, keyName)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("credential value is empty")
	}
	sealed, err := v.sealer.Seal(binding(userID, keyName), value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", keyName, err)
	}
	return v.store.PutCredential(ctx, storage.Credential{UserID: userID, KeyName: keyName, SealedValue: sealed})
}

// Get returns "" when the user never stored keyName.
func (v *Vault) Get(ctx context.Context, userID, keyName string) (string, error) {
	c, err := v.store.GetCredential(ctx, userID, keyName)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	plain, err := v.sealer.Open(binding(userID, keyName), c.SealedValue)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", keyName, err)
	}
	return plain, nil
}

// Lookup fetches several credentials in order. ok is false when any of them
// is missing.
func (v *Vault) Lookup(ctx context.Context, userID string, keyNames []string) (values []string, ok bool, err error) {
	values = make([]string, 0, len(keyNames))
	for _, name := range keyNames {
		val, err := v.Get(ctx, userID, name)
		if err != nil {
			return nil, false, err
		}
		if val == "" {
			return nil, false, nil
		}
		values = append(values, val)
	}
	return values, true, nil
}

func (v *Vault) Delete(ctx context.Context, userID, keyName string) error {
	if !IsKnown(keyName) {
		return fmt.Errorf("%w %q", ErrUnknownKey, keyName)
	}
	return v.store.DeleteCredential(ctx, userID, keyName)
}

// Masked returns every stored credential of a user reduced to its last five
// characters.
func (v *Vault) Masked(ctx context.Context, userID string) (map[string]string, error) {
	list, err := v.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, c := range list {
		plain, err := v.sealer.Open(binding(c.UserID, c.KeyName), c.SealedValue)
		if err != nil {
			v.logger.Warn().Err(err).Str("user_id", c.UserID).Str("key", c.KeyName).Msg("skip unreadable credential")
			continue
		}
		out[c.KeyName] = Mask(plain)
	}
	return out, nil
}

// Rotate reseals every credential not yet under the current master key.
func (v *Vault) Rotate(ctx context.Context) (int, error) {
	list, err := v.store.ListCredentials(ctx, "")
	if err != nil {
		return 0, err
	}
	rotated := 0
	for _, c := range list {
		out, changed, err := v.sealer.Reseal(binding(c.UserID, c.KeyName), c.SealedValue)
		if err != nil {
			return rotated, fmt.Errorf("reseal %s for %s: %w", c.KeyName, c.UserID, err)
		}
		if !changed {
			continue
		}
		c.SealedValue = out
		if err := v.store.PutCredential(ctx, c); err != nil {
			return rotated, err
		}
		rotated++
	}
	v.logger.Info().Int("rotated", rotated).Int("total", len(list)).Str("key_id", v.sealer.CurrentKeyID()).Msg("credentials resealed")
	return rotated, nil
}

func Mask(value string) string {
	r := []rune(value)
	if len(r) <= 5 {
		return strings.Repeat("*", len(r))
	}
	return "..." + string(r[len(r)-5:])
}
