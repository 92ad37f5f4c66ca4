// Package parties resolves escrow counterparties and their custody
// wallets. Identity and profiles are owned upstream; this package only
// reads what the escrow and dispute flows need.
package parties

import (
	"context"
	"errors"
	"strings"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
)

var ErrPartyNotFound = errors.New("party not found")

// Party is a user that can appear on either side of an escrow.
type Party struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"` // payout address

	// Wallet is the custody wallet that signs ledger calls for this
	// party. Nil when none is provisioned.
	Wallet *ledger.Wallet `json:"wallet,omitempty"`
}

// LedgerAddress is the address the ledger sees for this party: the
// custody wallet when present, else the payout address.
func (p *Party) LedgerAddress() string {
	if p.Wallet != nil && p.Wallet.Address != "" {
		return strings.ToLower(p.Wallet.Address)
	}
	return strings.ToLower(p.Address)
}

// Directory looks parties up.
type Directory interface {
	Get(ctx context.Context, id string) (*Party, error)

	// Resolve accepts a party id, an email or an address.
	Resolve(ctx context.Context, ref string) (*Party, error)
}

// refKind classifies a counterparty reference.
func refKind(ref string) string {
	switch {
	case strings.Contains(ref, "@"):
		return "email"
	case strings.HasPrefix(ref, "0x") && len(ref) == 42:
		return "address"
	default:
		return "id"
	}
}
