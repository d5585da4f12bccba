package ssh

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"
)

// UserLookup returns the bcrypt hash of an account allowed on the console.
type UserLookup func(username string) (hash string, ok bool)

// passwordCallback accepts the shared console password for any user name,
// or the account password of a user known to lookup. Nil means password
// login is off.
func passwordCallback(password string, lookup UserLookup) func(gossh.ConnMetadata, []byte) (*gossh.Permissions, error) {
	if password == "" && lookup == nil {
		return nil
	}
	return func(conn gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
		if password != "" && subtle.ConstantTimeCompare(pass, []byte(password)) == 1 {
			return nil, nil
		}
		if lookup != nil {
			if hash, ok := lookup(conn.User()); ok &&
				bcrypt.CompareHashAndPassword([]byte(hash), pass) == nil {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("password rejected for %q", conn.User())
	}
}

// publicKeyCallback accepts keys listed in the authorized_keys file or
// directory at path. Nil means no usable keys were found.
func publicKeyCallback(path string) func(gossh.ConnMetadata, gossh.PublicKey) (*gossh.Permissions, error) {
	if path == "" {
		return nil
	}
	keys, err := loadAuthorizedKeys(path)
	if err != nil {
		debugLog("Failed to load authorized keys from %s: %v", path, err)
		return nil
	}
	if len(keys) == 0 {
		debugLog("No authorized keys found in %s", path)
		return nil
	}

	return func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
		wire := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(wire, k.Marshal()) {
				return &gossh.Permissions{
					Extensions: map[string]string{"pubkey-fp": gossh.FingerprintSHA256(key)},
				}, nil
			}
		}
		return nil, fmt.Errorf("unknown public key for %q", conn.User())
	}
}

func loadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loadAuthorizedKeysFromDir(path)
	}
	return loadAuthorizedKeysFromFile(path)
}

// loadAuthorizedKeysFromFile skips blank, comment and unparseable lines.
func loadAuthorizedKeysFromFile(path string) ([]gossh.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []gossh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// loadAuthorizedKeysFromDir reads every regular, non-hidden file in dir.
func loadAuthorizedKeysFromDir(dir string) ([]gossh.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []gossh.PublicKey
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fileKeys, err := loadAuthorizedKeysFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, fileKeys...)
	}
	return keys, nil
}

// LoadOrCreateHostKey reads the host key at path, generating an ED25519 key
// there on first use.
func LoadOrCreateHostKey(path string) (gossh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	return gossh.NewSignerFromKey(priv)
}
