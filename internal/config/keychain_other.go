//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// Without a system keychain, secrets live in a 0600 JSON file keyed by
// service then account, next to the data directory.
type secretsFile map[string]map[string]string

func secretsFilePath() string {
	dir := xdgDir("XDG_DATA_HOME", ".local", "share")
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "vaultchat", "secrets.json")
}

func loadSecrets() (secretsFile, error) {
	secrets := make(secretsFile)
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := loadSecrets()
	if err != nil {
		return nil, err
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s in %s", service, account, secretsFilePath())
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	secrets, err := loadSecrets()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeJSONFile(secretsFilePath(), secrets)
}
