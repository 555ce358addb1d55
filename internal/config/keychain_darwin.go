//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

// security(1) stores generic passwords in the login keychain; -U updates an
// existing item in place.

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return out, nil
}

func keychainSet(service, account, value string) error {
	cmd := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("keychain store %s/%s: %w: %s", service, account, err, out)
	}
	return nil
}
