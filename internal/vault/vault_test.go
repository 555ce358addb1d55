package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/vaultchat/internal/storage"
)

const (
	testKey   = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	otherKey  = "ff0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testUser  = "0xabc"
	otherUser = "0xdef"
)

func TestKeyring_SealOpen(t *testing.T) {
	k, err := NewKeyring(testKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	sealed, err := k.Seal(testUser, "I grew up in Lisbon")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "Lisbon") {
		t.Error("ciphertext contains plaintext")
	}

	again, _ := k.Seal(testUser, "I grew up in Lisbon")
	if again == sealed {
		t.Error("expected a fresh nonce per Seal")
	}

	plain, err := k.Open(testUser, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "I grew up in Lisbon" {
		t.Errorf("Open = %q", plain)
	}

	if _, err := k.Open(otherUser, sealed); err == nil {
		t.Error("expected failure opening with another user's key")
	}
	other, _ := NewKeyring(otherKey)
	if _, err := other.Open(testUser, sealed); err == nil {
		t.Error("expected failure opening with another master key")
	}
}

func TestNewKeyring_Invalid(t *testing.T) {
	for _, key := range []string{"", "zz", "0011"} {
		if _, err := NewKeyring(key); err == nil {
			t.Errorf("NewKeyring(%q) expected error", key)
		}
	}
}

func TestKeyHolder_RevokeListeners(t *testing.T) {
	h := NewKeyHolder()
	var revoked atomic.Int32
	h.OnRevoke(func() { revoked.Add(1) })

	if _, _, err := h.Keyring(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := h.Connect(testUser, testKey); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if revoked.Load() != 0 {
		t.Error("first connect must not revoke")
	}
	if h.Wallet() != testUser {
		t.Errorf("Wallet = %q", h.Wallet())
	}

	if err := h.Connect(testUser, otherKey); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if revoked.Load() != 1 {
		t.Errorf("replacing a key should revoke, got %d", revoked.Load())
	}

	h.Disconnect()
	if revoked.Load() != 2 {
		t.Errorf("disconnect should revoke, got %d", revoked.Load())
	}
	if _, _, err := h.Keyring(); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked after disconnect, got %v", err)
	}
}

func TestWalletAuthorizer(t *testing.T) {
	h := NewKeyHolder()
	a := NewWalletAuthorizer(h, nil)

	if _, err := a.Authorize(context.Background(), AuthContext{UserID: testUser}); !errors.Is(err, ErrLocked) {
		t.Errorf("locked: got %v", err)
	}

	h.Connect(testUser, testKey)
	g, err := a.Authorize(context.Background(), AuthContext{UserID: testUser})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if g.UserID != testUser {
		t.Errorf("grant user = %q", g.UserID)
	}

	if _, err := a.Authorize(context.Background(), AuthContext{UserID: otherUser}); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("wrong user: got %v", err)
	}

	deny := NewWalletAuthorizer(h, func(context.Context, AuthContext) (bool, error) { return false, nil })
	if _, err := deny.Authorize(context.Background(), AuthContext{UserID: testUser}); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("declined: got %v", err)
	}
}

// countingAuthorizer records how often it is asked.
type countingAuthorizer struct {
	inner  Authorizer
	calls  atomic.Int32
	counts []int
}

func (c *countingAuthorizer) Authorize(ctx context.Context, ac AuthContext) (*Grant, error) {
	c.calls.Add(1)
	c.counts = append(c.counts, ac.Count)
	return c.inner.Authorize(ctx, ac)
}

func seedMemories(t *testing.T, s *storage.Store, k *Keyring, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		id := fmt.Sprintf("m%d", i)
		sealed, err := k.Seal(testUser, fmt.Sprintf("memory %d", i))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		rec := storage.MemoryRecord{ID: id, UserID: testUser, StoragePointer: "blob://" + id}
		if err := s.SaveMemory(context.Background(), rec, sealed); err != nil {
			t.Fatalf("SaveMemory: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func newTestDecryptor(t *testing.T, perMinute int) (*Decryptor, *countingAuthorizer, *storage.Store, *KeyHolder) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := NewKeyHolder()
	if err := h.Connect(testUser, testKey); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	auth := &countingAuthorizer{inner: NewWalletAuthorizer(h, nil)}
	return NewDecryptor(s, auth, perMinute), auth, s, h
}

func TestDecryptBatch_SingleAuthorization(t *testing.T) {
	d, auth, s, h := newTestDecryptor(t, 0)
	ring, _, _ := h.Keyring()
	ids := seedMemories(t, s, ring, 7)

	got := d.DecryptBatch(context.Background(), ids, AuthContext{UserID: testUser})

	if auth.calls.Load() != 1 {
		t.Errorf("Authorize called %d times, want 1", auth.calls.Load())
	}
	if auth.counts[0] != 7 {
		t.Errorf("AuthContext.Count = %d, want 7", auth.counts[0])
	}
	if len(got) != 7 {
		t.Fatalf("decrypted %d, want 7", len(got))
	}
	if got["m3"] != "memory 3" {
		t.Errorf("m3 = %q", got["m3"])
	}
}

func TestDecryptBatch_Empty(t *testing.T) {
	d, auth, _, _ := newTestDecryptor(t, 0)

	got := d.DecryptBatch(context.Background(), nil, AuthContext{UserID: testUser})
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
	if auth.calls.Load() != 0 {
		t.Error("empty batch must not prompt")
	}
}

func TestDecryptBatch_PartialOnCorruptBlob(t *testing.T) {
	d, _, s, h := newTestDecryptor(t, 0)
	ring, _, _ := h.Keyring()
	ids := seedMemories(t, s, ring, 2)

	bad := storage.MemoryRecord{ID: "bad", UserID: testUser, StoragePointer: "blob://bad"}
	if err := s.SaveMemory(context.Background(), bad, "bm90LXNlYWxlZA=="); err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	got := d.DecryptBatch(context.Background(), append(ids, "bad", "missing"), AuthContext{UserID: testUser})
	if len(got) != 2 {
		t.Errorf("decrypted %d, want 2: %v", len(got), got)
	}
	if _, ok := got["bad"]; ok {
		t.Error("corrupt blob should be omitted")
	}
}

func TestDecryptBatch_LockedReturnsEmpty(t *testing.T) {
	d, auth, s, h := newTestDecryptor(t, 0)
	ring, _, _ := h.Keyring()
	ids := seedMemories(t, s, ring, 2)
	h.Disconnect()

	got := d.DecryptBatch(context.Background(), ids, AuthContext{UserID: testUser})
	if len(got) != 0 {
		t.Errorf("expected nothing while locked, got %v", got)
	}
	if auth.calls.Load() != 1 {
		t.Errorf("Authorize calls = %d, want 1", auth.calls.Load())
	}
}

func TestDecryptBatch_RateLimited(t *testing.T) {
	d, auth, s, h := newTestDecryptor(t, 1)
	ring, _, _ := h.Keyring()
	ids := seedMemories(t, s, ring, 1)

	for range authBurst {
		if got := d.DecryptBatch(context.Background(), ids, AuthContext{UserID: testUser}); len(got) != 1 {
			t.Fatalf("burst call decrypted %d, want 1", len(got))
		}
	}

	got := d.DecryptBatch(context.Background(), ids, AuthContext{UserID: testUser})
	if len(got) != 0 {
		t.Errorf("throttled call returned %v", got)
	}
	if int(auth.calls.Load()) != authBurst {
		t.Errorf("Authorize calls = %d, want %d", auth.calls.Load(), authBurst)
	}
}

// cancellingAuthorizer cancels the turn right after granting.
type cancellingAuthorizer struct {
	inner  Authorizer
	cancel context.CancelFunc
}

func (c *cancellingAuthorizer) Authorize(ctx context.Context, ac AuthContext) (*Grant, error) {
	g, err := c.inner.Authorize(ctx, ac)
	c.cancel()
	return g, err
}

func TestDecryptBatch_CancelAfterGrantKeepsResults(t *testing.T) {
	_, _, s, h := newTestDecryptor(t, 0)
	ring, _, _ := h.Keyring()
	ids := seedMemories(t, s, ring, 3)

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDecryptor(s, &cancellingAuthorizer{inner: NewWalletAuthorizer(h, nil), cancel: cancel}, 0)

	got := d.DecryptBatch(ctx, ids, AuthContext{UserID: testUser})
	if ctx.Err() == nil {
		t.Fatal("expected cancelled context")
	}
	if len(got) != 3 {
		t.Errorf("decrypted %d after cancellation, want 3", len(got))
	}
}
