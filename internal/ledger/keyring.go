package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// Keyring holds the signing keys of custody wallets, indexed by
// lower-cased address. It stands in for the custody provider: the rest of
// the service only ever sees Wallet values.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewKeyring loads hex-encoded private keys (with or without 0x).
func NewKeyring(hexKeys ...string) (*Keyring, error) {
	k := &Keyring{keys: make(map[string]*ecdsa.PrivateKey)}
	for i, h := range hexKeys {
		if _, err := k.Add(h); err != nil {
			return nil, fmt.Errorf("custody key %d: %w", i, err)
		}
	}
	return k, nil
}

// Add registers a key and returns its address.
func (k *Keyring) Add(hexKey string) (string, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(pk.PublicKey).Hex())
	k.mu.Lock()
	k.keys[addr] = pk
	k.mu.Unlock()
	return addr, nil
}

// Key returns the signing key for address.
func (k *Keyring) Key(address string) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.keys[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, address)
	}
	return pk, nil
}

// Has reports whether address can sign.
func (k *Keyring) Has(address string) bool {
	_, err := k.Key(address)
	return err == nil
}
