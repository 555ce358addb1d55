package vault

import (
	"context"
	"errors"
	"fmt"
)

// ErrAuthorizationDenied is returned when the user declines an unlock.
var ErrAuthorizationDenied = errors.New("authorization denied")

// AuthContext describes one unlock request.
type AuthContext struct {
	UserID string
	Reason string
	Count  int
}

// Grant is the result of a successful authorization. It can open any blob
// sealed for its user.
type Grant struct {
	UserID string
	ring   *Keyring
}

func (g *Grant) Open(ciphertext string) (string, error) {
	return g.ring.Open(g.UserID, ciphertext)
}

// Authorizer performs one authorization interaction.
type Authorizer interface {
	Authorize(ctx context.Context, ac AuthContext) (*Grant, error)
}

// ApproveFunc asks the user to approve an unlock. It may block until the
// user answers or ctx is done.
type ApproveFunc func(ctx context.Context, ac AuthContext) (bool, error)

// WalletAuthorizer grants access while a wallet key is connected, after an
// optional approval prompt.
type WalletAuthorizer struct {
	holder  *KeyHolder
	approve ApproveFunc
}

// NewWalletAuthorizer returns an authorizer over holder. approve may be nil,
// in which case a connected wallet is enough.
func NewWalletAuthorizer(holder *KeyHolder, approve ApproveFunc) *WalletAuthorizer {
	return &WalletAuthorizer{holder: holder, approve: approve}
}

func (a *WalletAuthorizer) Authorize(ctx context.Context, ac AuthContext) (*Grant, error) {
	ring, wallet, err := a.holder.Keyring()
	if err != nil {
		return nil, err
	}
	if ac.UserID != "" && ac.UserID != wallet {
		return nil, fmt.Errorf("connected wallet %s does not own user %s: %w", wallet, ac.UserID, ErrAuthorizationDenied)
	}

	if a.approve != nil {
		ok, err := a.approve(ctx, ac)
		if err != nil {
			return nil, fmt.Errorf("awaiting approval: %w", err)
		}
		if !ok {
			return nil, ErrAuthorizationDenied
		}
	}

	return &Grant{UserID: wallet, ring: ring}, nil
}
