package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"
)

type memKeyring map[string]string

func swapKeyring(t *testing.T, store memKeyring) {
	t.Helper()
	origGet, origSet := keyringGet, keyringSet
	t.Cleanup(func() {
		keyringGet = origGet
		keyringSet = origSet
	})

	keyringGet = func(service, user string) (string, error) {
		v, ok := store[service+"/"+user]
		if !ok {
			return "", keyring.ErrNotFound
		}
		return v, nil
	}
	keyringSet = func(service, user, secret string) error {
		store[service+"/"+user] = secret
		return nil
	}
}

func TestSetManagerPINStoresHash(t *testing.T) {
	t.Setenv("DREXPAY_KEYCHAIN_SERVICE", "svc")
	t.Setenv("DREXPAY_MANAGER_PIN", "")
	store := memKeyring{}
	swapKeyring(t, store)

	if err := SetManagerPIN("  4821  "); err != nil {
		t.Fatalf("SetManagerPIN() unexpected error: %v", err)
	}

	hash, ok := store["svc/"+accountManagerPIN]
	if !ok {
		t.Fatal("SetManagerPIN() did not write the keyring item")
	}
	if hash == "4821" {
		t.Fatal("SetManagerPIN() stored the PIN in plain text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("4821")); err != nil {
		t.Fatalf("stored hash does not match PIN: %v", err)
	}

	if err := VerifyManagerPIN("4821"); err != nil {
		t.Fatalf("VerifyManagerPIN() unexpected error: %v", err)
	}
	if err := VerifyManagerPIN("0000"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("VerifyManagerPIN(wrong) error = %v, want %v", err, ErrInvalidPIN)
	}
}

func TestSetManagerPINRejectsShortPIN(t *testing.T) {
	store := memKeyring{}
	swapKeyring(t, store)

	if err := SetManagerPIN(" 12 "); err == nil {
		t.Fatal("SetManagerPIN() error = nil, want non-nil")
	}
	if len(store) != 0 {
		t.Fatal("SetManagerPIN() wrote to keyring for a short PIN")
	}
}

func TestVerifyManagerPINUsesEnvVarFirst(t *testing.T) {
	t.Setenv("DREXPAY_MANAGER_PIN", "9999")

	origGet := keyringGet
	defer func() { keyringGet = origGet }()

	keyringCalled := false
	keyringGet = func(service, user string) (string, error) {
		keyringCalled = true
		return "", nil
	}

	if err := VerifyManagerPIN("9999"); err != nil {
		t.Fatalf("VerifyManagerPIN() unexpected error: %v", err)
	}
	if err := VerifyManagerPIN("1234"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("VerifyManagerPIN(wrong) error = %v, want %v", err, ErrInvalidPIN)
	}
	if keyringCalled {
		t.Fatal("VerifyManagerPIN() called keyringGet even though DREXPAY_MANAGER_PIN was set")
	}
}

func TestVerifyManagerPINWhenNotSet(t *testing.T) {
	t.Setenv("DREXPAY_MANAGER_PIN", "")
	swapKeyring(t, memKeyring{})

	if err := VerifyManagerPIN("1234"); !errors.Is(err, ErrPINNotSet) {
		t.Fatalf("VerifyManagerPIN() error = %v, want %v", err, ErrPINNotSet)
	}
}

func TestVerifyManagerPINReturnsErrorWhenKeyringFails(t *testing.T) {
	t.Setenv("DREXPAY_MANAGER_PIN", "")

	origGet := keyringGet
	defer func() { keyringGet = origGet }()
	keyringGet = func(service, user string) (string, error) {
		return "", errors.New("boom")
	}

	err := VerifyManagerPIN("1234")
	if err == nil {
		t.Fatal("VerifyManagerPIN() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "failed to read keyring item") {
		t.Fatalf("VerifyManagerPIN() error = %q, expected keyring read context", err.Error())
	}
}

func TestLoadTokenSecretCreatesOnce(t *testing.T) {
	t.Setenv("DREXPAY_TOKEN_SECRET", "")
	store := memKeyring{}
	swapKeyring(t, store)

	first, err := LoadTokenSecret()
	if err != nil {
		t.Fatalf("LoadTokenSecret() unexpected error: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("LoadTokenSecret() returned an empty secret")
	}
	second, err := LoadTokenSecret()
	if err != nil {
		t.Fatalf("LoadTokenSecret() second call unexpected error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("LoadTokenSecret() = %q, want stable %q", second, first)
	}
}

func TestLoadTokenSecretUsesEnvVar(t *testing.T) {
	t.Setenv("DREXPAY_TOKEN_SECRET", "  env-secret  ")

	got, err := LoadTokenSecret()
	if err != nil {
		t.Fatalf("LoadTokenSecret() unexpected error: %v", err)
	}
	if string(got) != "env-secret" {
		t.Fatalf("LoadTokenSecret() = %q, want %q", got, "env-secret")
	}
}

func TestSaveAndLoadDBKey(t *testing.T) {
	t.Setenv("DREXPAY_KEYCHAIN_SERVICE", "")
	store := memKeyring{}
	swapKeyring(t, store)

	if _, err := LoadDBKey(); err == nil {
		t.Fatal("LoadDBKey() error = nil before any key was saved")
	}
	if err := SaveDBKey("  key-1  "); err != nil {
		t.Fatalf("SaveDBKey() unexpected error: %v", err)
	}
	got, err := LoadDBKey()
	if err != nil {
		t.Fatalf("LoadDBKey() unexpected error: %v", err)
	}
	if got != "key-1" {
		t.Fatalf("LoadDBKey() = %q, want %q", got, "key-1")
	}
	if _, ok := store[defaultSecretService+"/"+accountDBKey]; !ok {
		t.Fatal("SaveDBKey() did not use the default keyring service")
	}
	if err := SaveDBKey("   "); err == nil {
		t.Fatal("SaveDBKey() accepted an empty key")
	}
}
