package gateway

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	created, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}

	if created.DeviceID() != loaded.DeviceID() {
		t.Errorf("Expected same device id across loads, got %s and %s", created.DeviceID(), loaded.DeviceID())
	}
	if created.PublicKeyBase64() != loaded.PublicKeyBase64() {
		t.Errorf("Expected same public key across loads")
	}
}

func TestDeviceIDDerivation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	id, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	sum := sha256.Sum256(id.PublicKey())
	want := hex.EncodeToString(sum[:])
	if id.DeviceID() != want {
		t.Errorf("Expected device id %s, got %s", want, id.DeviceID())
	}
}

func TestSignVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	id, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	payload := buildSignaturePayload(baseFields())
	sig, err := id.Sign(payload)
	if err != nil {
		t.Fatalf("Failed to sign payload: %v", err)
	}

	if !ed25519.Verify(id.PublicKey(), payload, sig) {
		t.Error("Signature did not verify against the identity's public key")
	}

	tampered := buildSignaturePayload(func() signatureFields {
		f := baseFields()
		f.Nonce = "other"
		return f
	}())
	if ed25519.Verify(id.PublicKey(), tampered, sig) {
		t.Error("Signature verified against a different payload")
	}
}

func TestLoadIdentityRejectsCorruptFile(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "not-json"},
		{"bad public key", `{"deviceId":"x","publicKey":"!!","privateKey":"!!"}`},
		{"wrong key length", `{"deviceId":"x","publicKey":"AAAA","privateKey":"AAAA"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseIdentityFile([]byte(tt.raw)); err == nil {
				t.Error("Expected error for corrupt identity file")
			}
		})
	}
}
