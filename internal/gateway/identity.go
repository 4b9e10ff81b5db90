package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Identity is the durable keypair that uniquely identifies this console
// installation. The private key never leaves this type; only signatures
// derived from it are transmitted.
type Identity struct {
	deviceID   string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// identityFile is the on-disk form. Raw Ed25519 keys, base64url without
// padding.
type identityFile struct {
	DeviceID   string    `json:"deviceId"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LoadOrCreateIdentity returns the identity stored at path, creating and
// persisting a fresh one on first use. Subsequent calls return the same
// identity byte for byte. Any storage or decode failure is returned to the
// caller; the connection attempt must fail rather than proceed with a
// degraded identity.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return parseIdentityFile(raw)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device keypair: %w", err)
	}

	id := &Identity{
		deviceID:   deviceIDFromPublicKey(pub),
		publicKey:  pub,
		privateKey: priv,
	}

	file := identityFile{
		DeviceID:   id.deviceID,
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv),
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode device identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("persist device identity: %w", err)
	}
	return id, nil
}

func parseIdentityFile(raw []byte) (*Identity, error) {
	var file identityFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode device identity: %w", err)
	}
	pub, err := base64.RawURLEncoding.DecodeString(file.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode device public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("device public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	priv, err := base64.RawURLEncoding.DecodeString(file.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode device private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("device private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	id := &Identity{
		deviceID:   file.DeviceID,
		publicKey:  ed25519.PublicKey(pub),
		privateKey: ed25519.PrivateKey(priv),
	}
	if id.deviceID == "" {
		id.deviceID = deviceIDFromPublicKey(id.publicKey)
	}
	return id, nil
}

// deviceIDFromPublicKey derives the stable device id as the hex SHA-256 of
// the raw public key, so the id is recomputable by anyone holding the key.
func deviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// DeviceID returns the stable identifier for this installation.
func (id *Identity) DeviceID() string { return id.deviceID }

// PublicKeyBase64 returns the raw public key, base64url without padding, as
// it appears in the connect request's device block.
func (id *Identity) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(id.publicKey)
}

// PublicKey returns the raw public key bytes.
func (id *Identity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(id.publicKey))
	copy(out, id.publicKey)
	return out
}

// Sign produces an Ed25519 signature over payload.
func (id *Identity) Sign(payload []byte) ([]byte, error) {
	if len(id.privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("device private key unavailable")
	}
	return ed25519.Sign(id.privateKey, payload), nil
}
