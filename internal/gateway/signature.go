package gateway

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// signaturePayloadVersion prefixes every canonical payload so the format can
// evolve without ambiguity between versions.
const signaturePayloadVersion = "v1"

// signatureFields is the fixed field set the client signs during the
// handshake and the server independently recomputes to verify.
type signatureFields struct {
	DeviceID string
	ClientID string
	Mode     string
	Role     string
	Scopes   []string
	SignedAt int64 // milliseconds since epoch
	Token    string
	Nonce    string
}

// buildSignaturePayload serialises fields into the canonical byte sequence
// for signing. Identical field values always produce identical bytes; every
// field occupies a fixed position (absent token/nonce encode as empty
// fields), so changing any single field changes the output.
func buildSignaturePayload(f signatureFields) []byte {
	parts := []string{
		signaturePayloadVersion,
		f.DeviceID,
		f.ClientID,
		f.Mode,
		f.Role,
		strings.Join(f.Scopes, ","),
		strconv.FormatInt(f.SignedAt, 10),
		f.Token,
		f.Nonce,
	}
	return []byte(strings.Join(parts, "|"))
}

// encodeSignature renders a raw signature the way the device block carries
// it: base64url without padding.
func encodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}
