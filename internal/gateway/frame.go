package gateway

import "encoding/json"

// frame is one message on the gateway socket. The gateway speaks exactly
// three shapes, discriminated by Type: "req" (client to server), "res"
// (server to client, correlated by ID) and "event" (server to client,
// unsolicited, no ID).
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Message string `json:"message"`
}

const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// challengePayload is the payload of the server-initiated connect.challenge
// event that opens every handshake.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// connectParams is the body of the "connect" request.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      clientInfo    `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	Device      *deviceParams `json:"device,omitempty"`
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

// deviceParams carries the cryptographic device identity in the connect
// request. PublicKey and Signature are base64url without padding; SignedAt
// is milliseconds since epoch.
type deviceParams struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// historyParams is the body of the "chat.history" request issued once after
// authentication to seed local state.
type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// sendParams is the body of a "chat.send" request. IdempotencyKey is fresh
// per user-initiated send so the server can recognise a retried send as the
// same logical action.
type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}
