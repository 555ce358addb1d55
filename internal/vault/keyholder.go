package vault

import (
	"errors"
	"sync"
)

// ErrLocked is returned when no wallet key is connected.
var ErrLocked = errors.New("vault locked: no wallet key connected")

// KeyHolder owns the connected wallet's key material. Disconnecting wipes
// the key and notifies revoke listeners; anything derived from the key
// (such as cached plaintexts) must be dropped by those listeners.
type KeyHolder struct {
	mu        sync.RWMutex
	wallet    string
	ring      *Keyring
	listeners []func()
}

func NewKeyHolder() *KeyHolder {
	return &KeyHolder{}
}

// Connect installs the key for wallet. Replacing a connected key counts as
// a revocation of the old one.
func (h *KeyHolder) Connect(wallet, masterKeyHex string) error {
	if wallet == "" {
		return errors.New("wallet address is required")
	}
	ring, err := NewKeyring(masterKeyHex)
	if err != nil {
		return err
	}

	h.mu.Lock()
	hadKey := h.ring != nil
	h.wallet = wallet
	h.ring = ring
	listeners := append([]func(){}, h.listeners...)
	h.mu.Unlock()

	if hadKey {
		for _, fn := range listeners {
			fn()
		}
	}
	return nil
}

// Disconnect wipes the key and fires revoke listeners. Safe to call when
// nothing is connected.
func (h *KeyHolder) Disconnect() {
	h.mu.Lock()
	h.wallet = ""
	h.ring = nil
	listeners := append([]func(){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnRevoke registers fn to run whenever the key is revoked or replaced.
func (h *KeyHolder) OnRevoke(fn func()) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Wallet returns the connected wallet address, or "" when locked.
func (h *KeyHolder) Wallet() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.wallet
}

// Keyring returns the connected keyring and wallet address.
func (h *KeyHolder) Keyring() (*Keyring, string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ring == nil {
		return nil, "", ErrLocked
	}
	return h.ring, h.wallet, nil
}
