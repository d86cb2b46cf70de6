package chain

import (
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// KeypairSigner adapts a stellar keypair to the Signer interface. The seed
// comes from whatever custody layer the caller uses; this type never
// persists it.
type KeypairSigner struct {
	full *keypair.Full
}

// NewKeypairSigner parses a secret seed into a signer
func NewKeypairSigner(seed string) (*KeypairSigner, error) {
	full, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing seed: %w", err)
	}
	return &KeypairSigner{full: full}, nil
}

// Address returns the public account address
func (s *KeypairSigner) Address() string {
	return s.full.Address()
}

// Sign signs a built transaction for the given network
func (s *KeypairSigner) Sign(networkPassphrase string, tx *txnbuild.Transaction) (*txnbuild.Transaction, error) {
	signed, err := tx.Sign(networkPassphrase, s.full)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signed, nil
}
