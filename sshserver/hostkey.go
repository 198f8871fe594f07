package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadHostKeys parses the private keys at paths (OpenSSH or PEM format).
//
// Parameters:
//   - paths: Private key files; passphrase-protected keys are not supported
//
// Returns:
//   - One signer per path, or the first read or parse error
func LoadHostKeys(paths []string) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read host key %s: %w", p, err)
		}

		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", p, err)
		}
		signers = append(signers, signer)
	}

	return signers, nil
}

// GenerateHostKey creates a fresh Ed25519 host key. Clients will see a new
// fingerprint on every start.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	return ssh.NewSignerFromKey(priv)
}

// WriteHostKey generates an Ed25519 key and stores it at path in OpenSSH
// format with 0600 permissions.
func WriteHostKey(path string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "sshhub host key")
	if err != nil {
		return fmt.Errorf("marshal host key: %w", err)
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write host key %s: %w", path, err)
	}

	return nil
}
