//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.vaultchat.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vaultchat-data"
	}
	return filepath.Join(home, "Library", "Application Support", "vaultchat")
}

func apiKeyHint() string {
	return " or macOS Keychain (service: " + keychainService + ", account: generation_api_key)"
}

// darwinBackend reads and writes UserDefaults through the defaults CLI so
// settings can be edited with `defaults write com.vaultchat.app ...`.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) defaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// read returns ok=false when the key is absent, which defaults reports
// with exit status 1.
func (b *darwinBackend) read(key string) (string, bool, error) {
	s, err := b.defaults("read", b.domain, key)
	if err == nil {
		return s, true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return "", false, nil
	}
	return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, s)
}

func (b *darwinBackend) write(key, typeFlag, val string) error {
	if out, err := b.defaults("write", b.domain, key, typeFlag, val); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := asInt(key, s)
	return i, true, err
}

// defaults prints booleans as 1 or 0.
func (b *darwinBackend) GetBool(key string) (bool, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return false, ok, err
	}
	v, err := asBool(key, s)
	return v, true, err
}

func (b *darwinBackend) GetFloat(key string) (float64, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	f, err := asFloat(key, s)
	return f, true, err
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *darwinBackend) SetBool(key string, val bool) error {
	return b.write(key, "-bool", strconv.FormatBool(val))
}

func (b *darwinBackend) SetFloat(key string, val float64) error {
	return b.write(key, "-float", strconv.FormatFloat(val, 'f', -1, 64))
}

func (b *darwinBackend) Delete(key string) error {
	_, ok, err := b.read(key)
	if err != nil || !ok {
		return err
	}
	if out, err := b.defaults("delete", b.domain, key); err != nil {
		return fmt.Errorf("defaults delete %s: %w: %s", key, err, out)
	}
	return nil
}
