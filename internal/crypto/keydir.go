package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Key directory layout for software tokens:
//
//	<dir>/token-<id>/<alias>.pem
//
// Each file holds one PKCS#8 private key, PEM encrypted when a passphrase
// is given.
const tokenDirPrefix = "token-"

// SaveKey writes key under alias for the software token tokenID.
func SaveKey(dir string, tokenID int, alias string, key crypto.Signer, passphrase []byte) error {
	if alias == "" || strings.ContainsAny(alias, `/\`) {
		return fmt.Errorf("invalid key alias %q", alias)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key %q: %w", alias, err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if len(passphrase) > 0 {
		block, err = x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, passphrase, x509.PEMCipherAES256) //nolint:staticcheck
		if err != nil {
			return fmt.Errorf("failed to encrypt private key: %w", err)
		}
	}

	tokenDir := filepath.Join(dir, tokenDirPrefix+strconv.Itoa(tokenID))
	if err := os.MkdirAll(tokenDir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(tokenDir, alias+".pem")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("failed to write PEM: %w", err)
	}
	return f.Sync()
}

// LoadKeyDir returns one active software token per token directory under
// dir, ordered by id. A missing dir yields no tokens.
func LoadKeyDir(dir string, passphrase []byte) ([]*SoftwareToken, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tokens []*SoftwareToken
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tokenDirPrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), tokenDirPrefix))
		if err != nil || id <= 0 {
			continue
		}
		tok := NewSoftwareToken(id, e.Name())
		paths, err := filepath.Glob(filepath.Join(dir, e.Name(), "*.pem"))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			key, err := loadKeyFile(path, passphrase)
			if err != nil {
				return nil, err
			}
			if err := tok.ImportKey(strings.TrimSuffix(filepath.Base(path), ".pem"), key); err != nil {
				return nil, err
			}
		}
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID() < tokens[j].ID() })
	return tokens, nil
}

func loadKeyFile(path string, passphrase []byte) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%s: private key is encrypted but no passphrase provided", path)
		}
		der, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%s: failed to decrypt private key: %w", path, err)
		}
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse PKCS#8 key: %w", path, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: key type %T cannot sign", path, key)
	}
	return signer, nil
}
