// Package secrets encrypts and decrypts tool-server environment values with
// age X25519 keys.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Prefix marks an encrypted value: "age:" followed by base64 ciphertext.
const Prefix = "age:"

// ErrNoIdentity is returned when an encrypted value is met without a loaded
// identity.
var ErrNoIdentity = errors.New("secrets: no identity loaded")

// IsEncrypted reports whether v carries the encrypted-value prefix.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Keyring holds the identity used to open encrypted values. The zero value
// has no identity and passes plaintext values through unchanged.
type Keyring struct {
	identity *age.X25519Identity
}

// GenerateIdentity creates a new identity file at path. It refuses to
// overwrite an existing file.
func GenerateIdentity(path string) (*Keyring, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("identity file %s already exists", path)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	content := fmt.Sprintf("# created: agentcron\n# public key: %s\n%s\n",
		identity.Recipient().String(),
		identity.String(),
	)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return &Keyring{identity: identity}, nil
}

// LoadIdentity reads an identity file, skipping comment lines.
func LoadIdentity(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return &Keyring{identity: identity}, nil
	}
	return nil, fmt.Errorf("no identity found in %s", path)
}

// LoadOptional loads the identity when the file exists and returns an empty
// keyring otherwise.
func LoadOptional(path string) (*Keyring, error) {
	if path == "" {
		return &Keyring{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Keyring{}, nil
	}
	return LoadIdentity(path)
}

// Recipient returns the public key, or "" without an identity.
func (k *Keyring) Recipient() string {
	if k == nil || k.identity == nil {
		return ""
	}
	return k.identity.Recipient().String()
}

// Open returns v unchanged unless it is encrypted, in which case it is
// decrypted with the loaded identity.
func (k *Keyring) Open(v string) (string, error) {
	if !IsEncrypted(v) {
		return v, nil
	}
	if k == nil || k.identity == nil {
		return "", ErrNoIdentity
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode encrypted value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), k.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted data: %w", err)
	}
	return string(plaintext), nil
}

// OpenEnv decrypts every encrypted value of env into a new map.
func (k *Keyring) OpenEnv(env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for name, v := range env {
		plain, err := k.Open(v)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}

// Seal encrypts plaintext to the given recipient public key and returns the
// prefixed base64 form suitable for tools.yaml.
func Seal(plaintext, recipient string) (string, error) {
	r, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return "", fmt.Errorf("parse recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close encryptor: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
