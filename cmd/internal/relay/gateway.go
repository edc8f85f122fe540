package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/auth"
	v1 "courier/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// GatewayConfig tunes per-connection behavior.
type GatewayConfig struct {
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration
	// AllowedOriginHosts are extra origin hosts authorized for cross-origin
	// upgrades (same-host is always allowed).
	AllowedOriginHosts []string
}

// Gateway is the websocket entrypoint. Each accepted connection runs one
// session: handshake auth, registry membership, offline drain, then a
// request/response loop until the peer closes, errors, or is evicted.
type Gateway struct {
	log *slog.Logger
	cfg GatewayConfig

	verifier  auth.Verifier
	registry  *Registry
	engine    *Engine
	offline   *OfflineQueue
	directory Directory
}

// NewGateway constructs a Gateway.
func NewGateway(log *slog.Logger, cfg GatewayConfig, verifier auth.Verifier, registry *Registry, engine *Engine, offline *OfflineQueue, directory Directory) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueSize < minSendQueueSize {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Gateway{
		log:       log,
		cfg:       cfg,
		verifier:  verifier,
		registry:  registry,
		engine:    engine,
		offline:   offline,
		directory: directory,
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the session loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.cfg.AllowedOriginHosts,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	// Handshake: the token rides the query string; no token or a bad token
	// closes before the session ever registers.
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "reason", "missing token")
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "reason", "invalid token")
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid credentials")
		return
	}

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		sessionID = NewRandomHex(10)
	}

	client := NewClient(identity.UserID, identity.Email, sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent and synchronous: unregistering happens here, not
	// eventually, whether close was peer-initiated, an error, or an eviction.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	client.SetTransport(
		func(ctx context.Context) error { return conn.Ping(ctx) },
		func(reason string) {
			g.log.Info("ws.evict", "user_id", client.UserID, "session_id", sessionID, "reason", reason)
			shutdown(websocket.StatusGoingAway, reason)
		},
	)

	g.registry.Register(client)
	g.log.Info("ws.session.open", "user_id", identity.UserID, "session_id", sessionID)

	// Drain the offline queue before any other traffic: direct writes, FIFO,
	// once. Messages published concurrently buffer on client.Send and follow.
	for _, m := range g.offline.Drain(identity.UserID) {
		event, err := json.Marshal(v1.NewMessageEvent{
			Type:       v1.TypeNewMessage,
			ID:         m.ID,
			ChatID:     m.ChatID,
			SenderID:   m.SenderID,
			Content:    m.Content,
			InsertedAt: m.InsertedAt,
		})
		if err != nil {
			continue
		}
		if err := g.writeRaw(ctx, conn, event); err != nil {
			g.log.Info("ws.offline_drain.write_fail", "session_id", sessionID, "err", err)
			shutdown(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case event := <-client.Send:
				if err := g.writeRaw(ctx, conn, event); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

readLoop:
	for {
		data, err := readFrame(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		var frame v1.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.sendError(client, "Failed to process message")
			continue
		}

		switch frame.Type {
		case v1.TypeJoin:
			g.onJoin(client, frame)
		case v1.TypeNewMessage:
			g.onNewMessage(ctx, client, frame)
		case v1.TypePing:
			g.sendEvent(client, v1.PongEvent{Type: v1.TypePong, Timestamp: time.Now().UnixMilli()})
		case v1.TypeGetChatStatus:
			g.onChatStatus(client, frame)
		case v1.TypeDebugInfo:
			g.onDebugInfo(client)
		default:
			g.sendError(client, fmt.Sprintf("Unknown message type: %s", frame.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	g.log.Info("ws.session.close", "user_id", identity.UserID, "session_id", sessionID)
}

// ---- handlers ----

func (g *Gateway) onJoin(client *Client, frame v1.ClientFrame) {
	chatID := strings.TrimSpace(frame.ChatID)
	if chatID == "" {
		g.sendError(client, "chat_id is required for join message")
		return
	}

	g.registry.Subscribe(chatID, client)
	g.sendEvent(client, v1.JoinedChatEvent{Type: v1.TypeJoinedChat, ChatID: chatID, Success: true})
}

func (g *Gateway) onNewMessage(ctx context.Context, client *Client, frame v1.ClientFrame) {
	chatID := strings.TrimSpace(frame.ChatID)
	content := strings.TrimSpace(frame.Content)

	if chatID == "" || frame.Content == "" {
		g.sendError(client, "chat_id and content are required for new_message")
		return
	}
	if content == "" {
		g.sendError(client, "Message content cannot be empty")
		return
	}
	if len([]rune(content)) > maxMessageChars {
		g.sendError(client, fmt.Sprintf("Message too long: max %d characters", maxMessageChars))
		return
	}

	// The sender always subscribes to the chat it publishes into, so it
	// receives its own broadcast.
	g.registry.Subscribe(chatID, client)

	memberCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	members, err := g.directory.Members(memberCtx, chatID)
	cancel()
	if err != nil {
		// Fan-out degrades to the sender's own echo; durability is unaffected
		// because the buffer gets the message regardless.
		g.log.Warn("ws.members.fail", "chat_id", chatID, "err", err)
		members = nil
	}

	msg, _ := g.engine.Publish(ctx, Message{
		ChatID:   chatID,
		SenderID: client.UserID,
		Content:  content,
	}, client.Email, members)

	g.sendEvent(client, v1.MessageSentEvent{Type: v1.TypeMessageSent, MessageID: msg.ID, Success: true})
}

func (g *Gateway) onChatStatus(client *Client, frame v1.ClientFrame) {
	chatID := strings.TrimSpace(frame.ChatID)
	if chatID == "" {
		g.sendError(client, "chat_id is required for get_chat_status")
		return
	}

	g.sendEvent(client, v1.ChatStatusEvent{
		Type:        v1.TypeChatStatus,
		ChatID:      chatID,
		InRoom:      g.registry.IsSubscribed(chatID, client),
		RoomMembers: g.registry.SubscriberCount(chatID),
	})
}

func (g *Gateway) onDebugInfo(client *Client) {
	chats := g.registry.ChatsOf(client)
	userChats := make([]v1.DebugChat, 0, len(chats))
	for _, id := range chats {
		userChats = append(userChats, v1.DebugChat{ChatID: id, Members: g.registry.SubscriberCount(id)})
	}

	g.sendEvent(client, v1.DebugInfoEvent{
		Type: v1.TypeDebugInfo,
		Data: v1.DebugData{
			UserID:      client.UserID,
			UserEmail:   client.Email,
			UserChats:   userChats,
			ActiveChats: g.registry.ChatIDs(),
			TotalUsers:  g.registry.UserCount(),
			TotalRooms:  g.registry.ChatCount(),
		},
	})
}

// ---- send helpers ----

func (g *Gateway) sendError(client *Client, msg string) {
	g.sendEvent(client, v1.ErrorEvent{Type: v1.TypeError, Message: msg})
}

func (g *Gateway) sendEvent(client *Client, event any) {
	b, err := json.Marshal(event)
	if err != nil {
		g.log.Error("ws.event.marshal_fail", "err", err)
		return
	}

	select {
	case <-client.Done():
	case client.Send <- b:
	default:
		g.log.Warn("ws.event.backpressure", "session_id", client.SessionID)
	}
}

func (g *Gateway) writeRaw(parent context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
