package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/medtrail/medtrail/internal/hash"
	"github.com/medtrail/medtrail/internal/ledger"
)

// Signer holds the process-wide signing identity. It is constructed once at
// startup and passed by reference; the private key never leaves this
// package and must not appear in logs or responses.
type Signer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// Load reads a hex-encoded ed25519 private key (seed or full key) from a
// file with restrictive permissions.
func Load(keyFile string) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("invalid key length: %d bytes", len(raw))
	}

	return fromKey(priv), nil
}

// Generate creates a new identity and writes its seed to keyFile.
func Generate(keyFile string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	encoded := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(keyFile, []byte(encoded+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	return fromKey(priv), nil
}

func fromKey(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv:    priv,
		pub:     pub,
		address: DeriveAddress(pub),
	}
}

// DeriveAddress maps a public key to the 40-char account identifier the
// ledger uses.
func DeriveAddress(pub ed25519.PublicKey) string {
	digest := hash.CalculateBytes(pub)
	return "0x" + digest[:40]
}

// Address is the ledger account this identity writes as.
func (s *Signer) Address() string {
	return s.address
}

// SignTransaction signs the canonical encoding of the transaction.
func (s *Signer) SignTransaction(tx *ledger.Transaction) (*ledger.SignedTransaction, error) {
	preimage, err := hash.Canonical(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	sig := ed25519.Sign(s.priv, preimage)

	return &ledger.SignedTransaction{
		Transaction: *tx,
		PublicKey:   hex.EncodeToString(s.pub),
		Signature:   hex.EncodeToString(sig),
	}, nil
}

// Verify checks a signed transaction against its embedded public key and
// confirms the key matches the claimed sender address.
func Verify(stx *ledger.SignedTransaction) error {
	pubBytes, err := hex.DecodeString(stx.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key")
	}

	sig, err := hex.DecodeString(stx.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}

	pub := ed25519.PublicKey(pubBytes)
	if DeriveAddress(pub) != stx.Transaction.From {
		return fmt.Errorf("public key does not match sender %s", stx.Transaction.From)
	}

	preimage, err := hash.Canonical(&stx.Transaction)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	if !ed25519.Verify(pub, preimage, sig) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}
