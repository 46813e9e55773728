// Package wallet provides participant identities for the marketplace:
// key generation, address derivation, and encrypted key storage.
package wallet

import "github.com/tolelom/proofmarket/crypto"

// Wallet holds one participant's key pair. The derived address is the
// identity used everywhere in the core (creator, solver, verifier).
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// Generate creates a wallet with a fresh ed25519 key pair.
func Generate() (*Wallet, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, pub: pub}, nil
}

// FromPrivateKey wraps an existing private key.
func FromPrivateKey(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// FromPrivateKeyHex decodes a hex-exported private key into a wallet.
func FromPrivateKeyHex(s string) (*Wallet, error) {
	priv, err := crypto.PrivKeyFromHex(s)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv), nil
}

// Address returns the 40-char hex marketplace address.
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// PubKeyHex returns the full hex-encoded public key.
func (w *Wallet) PubKeyHex() string {
	return w.pub.Hex()
}

// PrivateKeyHex returns the hex-encoded private key for plain-text export.
// Prefer Save for anything that touches disk.
func (w *Wallet) PrivateKeyHex() string {
	return w.priv.Hex()
}

// Save encrypts the private key with password and writes it to path.
func (w *Wallet) Save(path, password string) error {
	return SaveKey(path, password, w.priv)
}

// Load decrypts the keystore at path and returns the wallet.
func Load(path, password string) (*Wallet, error) {
	priv, err := LoadKey(path, password)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(priv), nil
}
