package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/auth"
	v1 "courier/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// wsEnvelope decodes every server frame shape used by the session tests.
type wsEnvelope struct {
	Type        string       `json:"type"`
	ChatID      string       `json:"chat_id"`
	Success     bool         `json:"success"`
	MessageID   string       `json:"message_id"`
	Message     string       `json:"message"`
	ID          string       `json:"id"`
	SenderID    string       `json:"sender_id"`
	SenderEmail string       `json:"sender_email"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"`
	InRoom      bool         `json:"in_room"`
	RoomMembers int          `json:"room_members"`
	Data        v1.DebugData `json:"data"`
}

type gatewayFixture struct {
	server  *httptest.Server
	offline *OfflineQueue
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	log := testLogger()
	verifier := auth.StaticVerifier{
		"tok-alice": {UserID: "user-alice", Email: "alice@example.com"},
		"tok-bob":   {UserID: "user-bob", Email: "bob@example.com"},
	}

	dir := NewMemoryDirectory()
	dir.SetChat("chat-1", "user-alice", "user-bob")

	registry := NewRegistry(log, nil)
	offline := NewOfflineQueue(log, nil, 0)
	buffer := NewBuffer(log, nil, NewMemoryStore(), dir, nil, BufferConfig{})
	engine := NewEngine(log, nil, registry, offline, buffer)
	gw := NewGateway(log, GatewayConfig{}, verifier, registry, engine, offline, dir)

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)

	return &gatewayFixture{server: ts, offline: offline}
}

func dialSession(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	if token != "" {
		u += "/?token=" + url.QueryEscape(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame v1.ClientFrame) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return env
}

// readType skips frames until one of the wanted type arrives. Delivery order
// between the fan-out event and the publish ack is not part of the contract.
func readType(t *testing.T, conn *websocket.Conn, want string) wsEnvelope {
	t.Helper()

	for i := 0; i < 5; i++ {
		env := readEnvelope(t, conn)
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("no %s frame within 5 reads", want)
	return wsEnvelope{}
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected close 1008, got %v", err)
	}
}

func TestGateway_RejectsInvalidToken(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-forged")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected close 1008, got %v", err)
	}
}

func TestGateway_JoinAndChatStatus(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-alice")

	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypeJoin, ChatID: "chat-1"})
	joined := readEnvelope(t, conn)
	if joined.Type != v1.TypeJoinedChat || joined.ChatID != "chat-1" || !joined.Success {
		t.Fatalf("unexpected join reply: %+v", joined)
	}

	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypeGetChatStatus, ChatID: "chat-1"})
	status := readEnvelope(t, conn)
	if status.Type != v1.TypeChatStatus || !status.InRoom || status.RoomMembers != 1 {
		t.Fatalf("unexpected status reply: %+v", status)
	}

	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypeGetChatStatus, ChatID: "chat-other"})
	other := readEnvelope(t, conn)
	if other.Type != v1.TypeChatStatus || other.InRoom || other.RoomMembers != 0 {
		t.Fatalf("unexpected status for unjoined chat: %+v", other)
	}
}

func TestGateway_JoinRequiresChatID(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-alice")

	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypeJoin})
	env := readEnvelope(t, conn)
	if env.Type != v1.TypeError || !strings.Contains(env.Message, "chat_id is required") {
		t.Fatalf("unexpected reply: %+v", env)
	}
}

func TestGateway_PublishEchoAndFanOut(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)

	alice := dialSession(t, fx.server, "tok-alice")
	bob := dialSession(t, fx.server, "tok-bob")

	sendFrame(t, bob, v1.ClientFrame{Type: v1.TypeJoin, ChatID: "chat-1"})
	readType(t, bob, v1.TypeJoinedChat)

	sendFrame(t, alice, v1.ClientFrame{Type: v1.TypeNewMessage, ChatID: "chat-1", Content: "  hello bob  "})

	// The sender gets both the publish ack and its own fan-out echo; their
	// relative order is not part of the contract.
	var ack, echo wsEnvelope
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, alice)
		switch env.Type {
		case v1.TypeMessageSent:
			ack = env
		case v1.TypeNewMessage:
			echo = env
		default:
			t.Fatalf("unexpected frame type %q", env.Type)
		}
	}
	if ack.MessageID == "" || !ack.Success {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if echo.ID != ack.MessageID || echo.Content != "hello bob" {
		t.Fatalf("unexpected sender echo: %+v", echo)
	}

	got := readType(t, bob, v1.TypeNewMessage)
	if got.ID != ack.MessageID || got.SenderID != "user-alice" || got.SenderEmail != "alice@example.com" {
		t.Fatalf("unexpected fan-out event: %+v", got)
	}
	if got.Content != "hello bob" {
		t.Fatalf("expected trimmed content, got %q", got.Content)
	}
}

func TestGateway_PublishValidation(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-alice")

	tests := []struct {
		name    string
		frame   v1.ClientFrame
		wantMsg string
	}{
		{
			name:    "missing fields",
			frame:   v1.ClientFrame{Type: v1.TypeNewMessage},
			wantMsg: "chat_id and content are required",
		},
		{
			name:    "blank content",
			frame:   v1.ClientFrame{Type: v1.TypeNewMessage, ChatID: "chat-1", Content: "   "},
			wantMsg: "cannot be empty",
		},
		{
			name:    "oversized content",
			frame:   v1.ClientFrame{Type: v1.TypeNewMessage, ChatID: "chat-1", Content: strings.Repeat("x", maxMessageChars+1)},
			wantMsg: "too long",
		},
	}

	for _, tt := range tests {
		sendFrame(t, conn, tt.frame)
		env := readEnvelope(t, conn)
		if env.Type != v1.TypeError || !strings.Contains(env.Message, tt.wantMsg) {
			t.Fatalf("%s: unexpected reply: %+v", tt.name, env)
		}
	}
}

func TestGateway_PingPong(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-alice")

	before := time.Now().Add(-time.Minute).UnixMilli()
	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypePing})
	env := readEnvelope(t, conn)
	if env.Type != v1.TypePong || env.Timestamp < before {
		t.Fatalf("unexpected pong: %+v", env)
	}
}

func TestGateway_UnknownTypeAndMalformedJSON(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != v1.TypeError || env.Message != "Failed to process message" {
		t.Fatalf("unexpected reply to malformed json: %+v", env)
	}

	sendFrame(t, conn, v1.ClientFrame{Type: "bogus"})
	env = readEnvelope(t, conn)
	if env.Type != v1.TypeError || !strings.Contains(env.Message, "Unknown message type: bogus") {
		t.Fatalf("unexpected reply to unknown type: %+v", env)
	}
}

func TestGateway_DebugInfo(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)
	conn := dialSession(t, fx.server, "tok-alice")

	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypeJoin, ChatID: "chat-1"})
	readType(t, conn, v1.TypeJoinedChat)

	sendFrame(t, conn, v1.ClientFrame{Type: v1.TypeDebugInfo})
	env := readType(t, conn, v1.TypeDebugInfo)
	if env.Data.UserID != "user-alice" || env.Data.UserEmail != "alice@example.com" {
		t.Fatalf("unexpected identity in debug data: %+v", env.Data)
	}
	if env.Data.TotalUsers != 1 || env.Data.TotalRooms != 1 {
		t.Fatalf("unexpected registry totals: %+v", env.Data)
	}
	if len(env.Data.UserChats) != 1 || env.Data.UserChats[0].ChatID != "chat-1" || env.Data.UserChats[0].Members != 1 {
		t.Fatalf("unexpected chat list: %+v", env.Data.UserChats)
	}
	if len(env.Data.ActiveChats) != 1 || env.Data.ActiveChats[0] != "chat-1" {
		t.Fatalf("unexpected active chat list: %+v", env.Data.ActiveChats)
	}
}

func TestGateway_OfflineDrainOnReconnect(t *testing.T) {
	t.Parallel()

	fx := newGatewayFixture(t)

	// Bob is offline while Alice publishes twice.
	alice := dialSession(t, fx.server, "tok-alice")
	sendFrame(t, alice, v1.ClientFrame{Type: v1.TypeNewMessage, ChatID: "chat-1", Content: "first"})
	first := readType(t, alice, v1.TypeMessageSent)
	sendFrame(t, alice, v1.ClientFrame{Type: v1.TypeNewMessage, ChatID: "chat-1", Content: "second"})
	second := readType(t, alice, v1.TypeMessageSent)

	// Bob connects and receives the backlog in publish order before anything else.
	bob := dialSession(t, fx.server, "tok-bob")
	got1 := readEnvelope(t, bob)
	got2 := readEnvelope(t, bob)
	if got1.Type != v1.TypeNewMessage || got1.ID != first.MessageID || got1.Content != "first" {
		t.Fatalf("unexpected first drained message: %+v", got1)
	}
	if got2.Type != v1.TypeNewMessage || got2.ID != second.MessageID || got2.Content != "second" {
		t.Fatalf("unexpected second drained message: %+v", got2)
	}

	// The queue hands the backlog over exactly once.
	if got := fx.offline.Len("user-bob"); got != 0 {
		t.Fatalf("expected drained queue, got %d", got)
	}
}
