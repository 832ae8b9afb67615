package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one participant's signing key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner wraps an in-memory key.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("ledger: nil signing key")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// SignerFromHex parses a hex private key, with or without 0x.
func SignerFromHex(raw string) (*Signer, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("ledger: empty private key")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}
	return NewSigner(key)
}

// SigningConfig names where a participant's key comes from. Exactly one of
// KeyEnv, KeyFile or Keystore is set; the key material itself never lives in
// configuration.
type SigningConfig struct {
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// PassphraseFunc supplies the passphrase for a keystore path.
type PassphraseFunc func(path, envVar string) (string, error)

// LoadSigner resolves cfg into a signer. passphrase is consulted for
// keystore identities only.
func LoadSigner(cfg SigningConfig, passphrase PassphraseFunc) (*Signer, error) {
	set := 0
	for _, v := range []string{cfg.KeyEnv, cfg.KeyFile, cfg.Keystore} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("ledger: set exactly one of key_env, key_file or keystore")
	}
	switch {
	case cfg.KeyEnv != "":
		value, ok := os.LookupEnv(cfg.KeyEnv)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("ledger: %s is not set", cfg.KeyEnv)
		}
		return SignerFromHex(value)
	case cfg.KeyFile != "":
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("ledger: read key file: %w", err)
		}
		return SignerFromHex(string(raw))
	default:
		if passphrase == nil {
			return nil, errors.New("ledger: keystore identity needs a passphrase source")
		}
		pass, err := passphrase(cfg.Keystore, cfg.PassphraseEnv)
		if err != nil {
			return nil, err
		}
		return SignerFromKeystore(cfg.Keystore, pass)
	}
}

// SignerFromKeystore decrypts a v3 keystore file.
func SignerFromKeystore(path, passphrase string) (*Signer, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("ledger: decrypt keystore %s: %w", path, err)
	}
	return NewSigner(decrypted.PrivateKey)
}

// Address returns the signing account.
func (s *Signer) Address() common.Address { return s.address }

// Sign signs tx for chainID.
func (s *Signer) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign: %w", err)
	}
	return signed, nil
}
