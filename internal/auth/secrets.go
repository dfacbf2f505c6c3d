package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSecretService = "drexpay"

	accountManagerPIN = "manager_pin_hash"
	accountTokenKey   = "token_secret"
	accountDBKey      = "db_key"

	minPINLength = 4
)

var (
	keyringGet = keyring.Get
	keyringSet = keyring.Set
)

var (
	ErrPINNotSet  = errors.New("manager PIN is not set; run 'drexpay auth set-pin'")
	ErrInvalidPIN = errors.New("invalid manager PIN")
)

// SetManagerPIN stores a bcrypt hash of pin in the system credential store.
func SetManagerPIN(pin string) error {
	trimmed := strings.TrimSpace(pin)
	if len(trimmed) < minPINLength {
		return fmt.Errorf("manager PIN must be at least %d characters", minPINLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash manager PIN: %w", err)
	}
	return saveSecret(accountManagerPIN, string(hash))
}

// VerifyManagerPIN checks pin against DREXPAY_MANAGER_PIN when set, otherwise
// against the stored hash.
func VerifyManagerPIN(pin string) error {
	trimmed := strings.TrimSpace(pin)
	if trimmed == "" {
		return ErrInvalidPIN
	}

	if envPIN := strings.TrimSpace(os.Getenv("DREXPAY_MANAGER_PIN")); envPIN != "" {
		if subtle.ConstantTimeCompare([]byte(envPIN), []byte(trimmed)) != 1 {
			return ErrInvalidPIN
		}
		return nil
	}

	hash, err := loadSecret(accountManagerPIN)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrPINNotSet
		}
		return err
	}
	if hash == "" {
		return ErrPINNotSet
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(trimmed)); err != nil {
		return ErrInvalidPIN
	}
	return nil
}

// LoadTokenSecret returns the key manager tokens are signed with, creating
// and storing one on first use.
func LoadTokenSecret() ([]byte, error) {
	if secret := strings.TrimSpace(os.Getenv("DREXPAY_TOKEN_SECRET")); secret != "" {
		return []byte(secret), nil
	}

	secret, err := loadSecret(accountTokenKey)
	if err == nil && secret != "" {
		return []byte(secret), nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	secret, err = GenerateRandomKey()
	if err != nil {
		return nil, err
	}
	if err := saveSecret(accountTokenKey, secret); err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// LoadDBKey loads the sqlcipher database key.
func LoadDBKey() (string, error) {
	key, err := loadSecret(accountDBKey)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("database key is empty")
	}
	return key, nil
}

// SaveDBKey stores the sqlcipher database key.
func SaveDBKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return errors.New("database key cannot be empty")
	}
	return saveSecret(accountDBKey, trimmed)
}

// GenerateRandomKey returns 32 random bytes, base64 encoded.
func GenerateRandomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func loadSecret(account string) (string, error) {
	service := envOrDefault("DREXPAY_KEYCHAIN_SERVICE", defaultSecretService)

	secret, err := keyringGet(service, account)
	if err != nil {
		return "", fmt.Errorf(
			"failed to read keyring item service=%q account=%q: %w",
			service,
			account,
			err,
		)
	}
	return strings.TrimSpace(secret), nil
}

func saveSecret(account, secret string) error {
	service := envOrDefault("DREXPAY_KEYCHAIN_SERVICE", defaultSecretService)

	if err := keyringSet(service, account, secret); err != nil {
		return fmt.Errorf(
			"failed to store keyring item service=%q account=%q: %w",
			service,
			account,
			err,
		)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
