// Package store provides authz.SessionStore implementations: an encrypted
// per-account file store and an in-memory store for tests and throwaway use.
package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"oauth2c/authz"
)

// keySalt is a fixed application-local salt for deriving the sealing key from
// the configured secret. Sessions are bound to the installation, not portable.
const keySalt = "897752749"

const nonceSize = 24

// blobSep joins base64(nonce) and base64(ciphertext) in the stored file.
const blobSep = "|"

// FileStore keeps one encrypted session file per account id under dir.
// Writes go through a temp file and rename, so readers never observe a
// partial record.
type FileStore struct {
	dir string
	key [32]byte
}

// NewFileStore derives the sealing key from secret and prepares dir.
func NewFileStore(dir, secret string) (*FileStore, error) {
	if secret == "" {
		return nil, fmt.Errorf("store: session encryption secret required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	derived, err := scrypt.Key([]byte(secret), []byte(keySalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	fs := &FileStore{dir: dir}
	copy(fs.key[:], derived)
	return fs, nil
}

// Save encrypts and writes the session record for its account id.
func (fs *FileStore) Save(session authz.Session) error {
	path, err := fs.path(session.AccountID)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, &fs.key)
	blob := base64.StdEncoding.EncodeToString(nonce[:]) + blobSep + base64.StdEncoding.EncodeToString(sealed)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(blob), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load reads and decrypts the session record for an account id.
func (fs *FileStore) Load(accountID string) (authz.Session, error) {
	path, err := fs.path(accountID)
	if err != nil {
		return authz.Session{}, err
	}
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return authz.Session{}, fmt.Errorf("%w: %q", authz.ErrStoreNotFound, accountID)
	}
	if err != nil {
		return authz.Session{}, fmt.Errorf("read session file: %w", err)
	}

	plaintext, err := fs.open(string(blob))
	if err != nil {
		return authz.Session{}, fmt.Errorf("%w: account %q: %v", authz.ErrStoreCorrupt, accountID, err)
	}
	var session authz.Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return authz.Session{}, fmt.Errorf("%w: account %q: %v", authz.ErrStoreCorrupt, accountID, err)
	}
	return session, nil
}

// Delete removes the session record; deleting an absent record is not an
// error.
func (fs *FileStore) Delete(accountID string) error {
	path, err := fs.path(accountID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

func (fs *FileStore) open(blob string) ([]byte, error) {
	parts := strings.SplitN(blob, blobSep, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed record")
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonceBytes) != nonceSize {
		return nil, fmt.Errorf("malformed nonce")
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], nonceBytes)
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &fs.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}

func (fs *FileStore) path(accountID string) (string, error) {
	if accountID == "" || strings.ContainsAny(accountID, `/\`) || accountID == "." || accountID == ".." {
		return "", fmt.Errorf("store: invalid account id %q", accountID)
	}
	return filepath.Join(fs.dir, accountID+".session"), nil
}
