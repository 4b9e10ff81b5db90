package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeGateway is an in-process gateway: one HTTP server exposing the config
// endpoint and the websocket endpoint, with a per-connection script.
type fakeGateway struct {
	server   *httptest.Server
	sessions atomic.Int32
}

func startFakeGateway(t *testing.T, script func(t *testing.T, conn *websocket.Conn, session int)) *fakeGateway {
	t.Helper()

	fg := &fakeGateway{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(fg.server.URL, "http") + "/ws"
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"wsUrl":%q,"token":"gw-token","sessionKey":"session-1"}`, wsURL)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		script(t, conn, int(fg.sessions.Add(1)))
	})

	fg.server = httptest.NewServer(mux)
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) configURL() string { return fg.server.URL + "/config" }

func testClient(t *testing.T, fg *fakeGateway) *Client {
	t.Helper()

	identity, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "device.json"))
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	resolver := NewResolver(fg.configURL(), "operator-cred", nil)
	opts := Options{
		HandshakeTimeout: 2 * time.Second,
		ReconnectDelay:   20 * time.Millisecond,
	}
	return NewClient(resolver, identity, opts, zerolog.Nop())
}

// serveHandshake plays the server side of the handshake: issue the challenge,
// read the connect request, verify the device signature the way the real
// gateway would, and accept.
func serveHandshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	challenge, _ := json.Marshal(challengePayload{Nonce: "nonce-1", TS: time.Now().UnixMilli()})
	if err := conn.WriteJSON(frame{Type: frameTypeEvent, Event: eventChallenge, Payload: challenge}); err != nil {
		t.Errorf("Failed to send challenge: %v", err)
		return
	}

	var req frame
	if err := conn.ReadJSON(&req); err != nil {
		t.Errorf("Failed to read connect request: %v", err)
		return
	}
	if req.Type != frameTypeRequest || req.Method != "connect" {
		t.Errorf("Expected connect request, got %s/%s", req.Type, req.Method)
		return
	}

	var params connectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Errorf("Failed to parse connect params: %v", err)
		return
	}
	if params.Device == nil {
		t.Error("Expected device block on connect request")
		return
	}
	if params.Device.Nonce != "nonce-1" {
		t.Errorf("Expected challenge nonce echoed, got %q", params.Device.Nonce)
	}

	pub, err := base64.RawURLEncoding.DecodeString(params.Device.PublicKey)
	if err != nil {
		t.Errorf("Failed to decode device public key: %v", err)
		return
	}
	sig, err := base64.RawURLEncoding.DecodeString(params.Device.Signature)
	if err != nil {
		t.Errorf("Failed to decode device signature: %v", err)
		return
	}
	token := ""
	if params.Auth != nil {
		token = params.Auth.Token
	}
	payload := buildSignaturePayload(signatureFields{
		DeviceID: params.Device.ID,
		ClientID: params.Client.ID,
		Mode:     params.Client.Mode,
		Role:     params.Role,
		Scopes:   params.Scopes,
		SignedAt: params.Device.SignedAt,
		Token:    token,
		Nonce:    params.Device.Nonce,
	})
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		t.Error("Device signature did not verify on the server side")
		ok := false
		conn.WriteJSON(frame{Type: frameTypeResponse, ID: req.ID, OK: &ok})
		return
	}

	ok := true
	if err := conn.WriteJSON(frame{Type: frameTypeResponse, ID: req.ID, OK: &ok, Payload: json.RawMessage(`{"protocol":3}`)}); err != nil {
		t.Errorf("Failed to accept connect: %v", err)
	}
}

func respondOK(conn *websocket.Conn, id string, payload string) error {
	ok := true
	return conn.WriteJSON(frame{Type: frameTypeResponse, ID: id, OK: &ok, Payload: json.RawMessage(payload)})
}

func sendChatEvent(conn *websocket.Conn, state, text string) error {
	msg, _ := json.Marshal(text)
	payload, _ := json.Marshal(chatEventPayload{SessionKey: "session-1", State: state, Message: msg})
	return conn.WriteJSON(frame{Type: frameTypeEvent, Event: eventChat, Payload: payload})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestClientSessionLifecycle(t *testing.T) {
	fg := startFakeGateway(t, func(t *testing.T, conn *websocket.Conn, session int) {
		serveHandshake(t, conn)

		for {
			var req frame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "chat.history":
				var params historyParams
				if err := json.Unmarshal(req.Params, &params); err != nil {
					t.Errorf("Failed to parse history params: %v", err)
				}
				if params.SessionKey != "session-1" {
					t.Errorf("Expected history for session-1, got %q", params.SessionKey)
				}
				respondOK(conn, req.ID, `{"messages":[
					{"role":"user","content":"earlier question","timestamp":1700000000000},
					{"role":"assistant","content":"earlier answer","timestamp":1700000001000}
				]}`)
			case "chat.send":
				var params sendParams
				if err := json.Unmarshal(req.Params, &params); err != nil {
					t.Errorf("Failed to parse send params: %v", err)
				}
				if params.IdempotencyKey == "" {
					t.Error("Expected idempotency key on chat.send")
				}
				if params.Message != "hello" {
					t.Errorf("Expected message %q, got %q", "hello", params.Message)
				}
				respondOK(conn, req.ID, `{}`)
				sendChatEvent(conn, chatStateDelta, "H")
				sendChatEvent(conn, chatStateDelta, "Hi th")
				sendChatEvent(conn, chatStateDelta, "Hi there")
				sendChatEvent(conn, chatStateFinal, "Hi there")
			default:
				t.Errorf("Unexpected request method %q", req.Method)
			}
		}
	})

	client := testClient(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateConnected }, "connected state")
	waitFor(t, 2*time.Second, func() bool { return len(client.Messages()) == 2 }, "history seed")

	if err := client.SendChat(ctx, "hello"); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		msgs := client.Messages()
		return len(msgs) == 4 && msgs[3].Content == "Hi there" && !client.Streaming()
	}, "streamed assistant reply")

	msgs := client.Messages()
	if msgs[2].Role != RoleUser || msgs[2].Content != "hello" {
		t.Errorf("Expected user message recorded locally, got %+v", msgs[2])
	}
	if msgs[3].Role != RoleAssistant {
		t.Errorf("Expected assistant reply, got %+v", msgs[3])
	}
}

func TestClientCorrelatesOutOfOrderResponses(t *testing.T) {
	fg := startFakeGateway(t, func(t *testing.T, conn *websocket.Conn, session int) {
		serveHandshake(t, conn)

		var reqs []frame
		for len(reqs) < 3 {
			var req frame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "chat.history" {
				respondOK(conn, req.ID, `{"messages":[]}`)
				continue
			}
			reqs = append(reqs, req)
		}

		// A response nobody asked for must be discarded without harm.
		respondOK(conn, "never-issued", `{}`)

		for i := len(reqs) - 1; i >= 0; i-- {
			respondOK(conn, reqs[i].ID, fmt.Sprintf(`{"echo":%q}`, reqs[i].Method))
		}

		var req frame
		conn.ReadJSON(&req)
	})

	client := testClient(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateConnected }, "connected state")

	type result struct {
		method  string
		payload json.RawMessage
		err     error
	}
	results := make(chan result, 3)
	for _, method := range []string{"status.one", "status.two", "status.three"} {
		go func(method string) {
			payload, err := client.Request(ctx, method, map[string]string{})
			results <- result{method: method, payload: payload, err: err}
		}(method)
	}

	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("Request %s failed: %v", res.method, res.err)
			}
			var body struct {
				Echo string `json:"echo"`
			}
			if err := json.Unmarshal(res.payload, &body); err != nil {
				t.Fatalf("Failed to parse payload: %v", err)
			}
			if body.Echo != res.method {
				t.Errorf("Response for %s carried payload for %s", res.method, body.Echo)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for responses")
		}
	}
}

func TestClientDrainsPendingOnDisconnect(t *testing.T) {
	fg := startFakeGateway(t, func(t *testing.T, conn *websocket.Conn, session int) {
		if session > 1 {
			// Reconnect attempt; keep it pending so the test ends cleanly.
			serveHandshake(t, conn)
			var req frame
			conn.ReadJSON(&req)
			return
		}
		serveHandshake(t, conn)

		received := 0
		for received < 3 {
			var req frame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "chat.history" {
				respondOK(conn, req.ID, `{"messages":[]}`)
				continue
			}
			received++
		}
		// Drop the connection with the requests unanswered.
		conn.Close()
	})

	client := testClient(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateConnected }, "connected state")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := client.Request(ctx, "status.get", map[string]string{})
			errs <- err
		}()
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("Expected ErrConnectionClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for pending requests to be rejected")
		}
	}
}

func TestClientAuthRejectionIsTerminal(t *testing.T) {
	fg := startFakeGateway(t, func(t *testing.T, conn *websocket.Conn, session int) {
		challenge, _ := json.Marshal(challengePayload{Nonce: "nonce-1", TS: time.Now().UnixMilli()})
		conn.WriteJSON(frame{Type: frameTypeEvent, Event: eventChallenge, Payload: challenge})

		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ok := false
		conn.WriteJSON(frame{
			Type:  frameTypeResponse,
			ID:    req.ID,
			OK:    &ok,
			Error: &frameError{Message: "device not paired"},
		})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeAuthRejected, "auth rejected"),
			time.Now().Add(time.Second))
	})

	client := testClient(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("Expected ErrAuthRejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after auth rejection")
	}

	if client.State() != StateError {
		t.Errorf("Expected error state after auth rejection, got %s", client.State())
	}
	if client.ReconnectPending() {
		t.Error("Expected no reconnection timer after auth rejection")
	}
	if int(fg.sessions.Load()) != 1 {
		t.Errorf("Expected no reconnection attempt, got %d sessions", fg.sessions.Load())
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fg := startFakeGateway(t, func(t *testing.T, conn *websocket.Conn, session int) {
		serveHandshake(t, conn)

		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method == "chat.history" {
			respondOK(conn, req.ID, `{"messages":[]}`)
		}

		if session == 1 {
			// First session drops right after the seed.
			return
		}
		conn.ReadJSON(&req)
	})

	client := testClient(t, fg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateConnected }, "first connection")
	waitFor(t, 2*time.Second, func() bool { return fg.sessions.Load() >= 2 && client.State() == StateConnected }, "reconnection")
}

func TestClientRequestWhileDisconnected(t *testing.T) {
	fg := startFakeGateway(t, func(t *testing.T, conn *websocket.Conn, session int) {})

	client := testClient(t, fg)

	if _, err := client.Request(context.Background(), "status.get", map[string]string{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := client.SendChat(context.Background(), "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}
