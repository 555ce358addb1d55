//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func defaultDataDir() string {
	dir := xdgDir("XDG_DATA_HOME", ".local", "share")
	if dir == "" {
		return "vaultchat-data"
	}
	return filepath.Join(dir, "vaultchat")
}

func apiKeyHint() string {
	return " or " + secretsFilePath() + ` ({"vaultchat": {"generation_api_key": "..."}})`
}

// fileBackend keeps settings as one JSON object at
// $XDG_CONFIG_HOME/vaultchat/config.json. Every write rewrites the file.
type fileBackend struct {
	path string
	data map[string]any
}

func newPlatformBackend() ConfigBackend {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		dir = "."
	}
	b := &fileBackend{
		path: filepath.Join(dir, "vaultchat", "config.json"),
		data: make(map[string]any),
	}
	if err := readJSONFile(b.path, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return b
}

// readJSONFile decodes path into v. A missing file is not an error.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeJSONFile replaces path with v encoded as JSON. The new content goes
// to a temp file in the same directory first so a crash never leaves a
// truncated file behind.
func writeJSONFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *fileBackend) lookup(key string) (any, bool) {
	v, ok := b.data[key]
	return v, ok
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	return asString(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	i, err := asInt(key, v)
	return i, true, err
}

func (b *fileBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return false, false, nil
	}
	bv, err := asBool(key, v)
	return bv, true, err
}

func (b *fileBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	f, err := asFloat(key, v)
	return f, true, err
}

func (b *fileBackend) set(key string, v any) error {
	b.data[key] = v
	return writeJSONFile(b.path, b.data)
}

func (b *fileBackend) SetString(key, val string) error        { return b.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error       { return b.set(key, val) }
func (b *fileBackend) SetBool(key string, val bool) error     { return b.set(key, val) }
func (b *fileBackend) SetFloat(key string, val float64) error { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return writeJSONFile(b.path, b.data)
}
