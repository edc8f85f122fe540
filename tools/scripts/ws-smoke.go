// Package main provides a CI-friendly WebSocket smoke test for the Courier relay.
//
// It validates:
//   - handshake with query-string token auth
//   - join -> joined_chat
//   - ping -> pong
//   - new_message -> message_sent ack
//   - fanout new_message to another client
//   - get_chat_status view per connection
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// frame is the superset of every server reply shape.
type frame struct {
	Type        string `json:"type"`
	ChatID      string `json:"chat_id"`
	Success     bool   `json:"success"`
	MessageID   string `json:"message_id"`
	Message     string `json:"message"`
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	SenderEmail string `json:"sender_email"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	InRoom      bool   `json:"in_room"`
	RoomMembers int    `json:"room_members"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		tokenA  = flag.String("token-a", "", "auth token for client A (query-string)")
		tokenB  = flag.String("token-b", "", "auth token for client B (query-string)")
		chatID  = flag.String("chat", "dev-chat-1", "chat id to join")
		text    = flag.String("text", "hello courier", "message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("-token-a and -token-b are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: url=%q chat=%q\n", *wsURL, *chatID)
	}

	mustJoin(root, a, *chatID, *timeout)
	mustJoin(root, b, *chatID, *timeout)

	mustPing(root, a, *timeout)

	msgID := mustSendAndAssertAck(root, a, *chatID, *text, *timeout)

	mustAssertNew(root, b, *chatID, msgID, *text, *timeout)

	// The sender hears its own message too.
	mustAssertNew(root, a, *chatID, msgID, *text, *timeout)

	mustChatStatus(root, b, *chatID, *timeout)

	fmt.Printf("OK: chat_id=%s message_id=%s\n", *chatID, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.ClientFrame{Type: v1.TypeJoin, ChatID: chatID}, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoinedChat, stepTimeout, nil)
	if echo.ChatID != chatID || !echo.Success {
		fatalf("join reply mismatch (%s): chat_id=%q success=%v", c.name, echo.ChatID, echo.Success)
	}
}

func mustPing(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	before := time.Now().Add(-time.Minute).UnixMilli()
	mustWrite(parent, c.conn, v1.ClientFrame{Type: v1.TypePing}, stepTimeout)

	pong := c.mustReadUntilType(parent, v1.TypePong, stepTimeout, nil)
	if pong.Timestamp < before {
		fatalf("pong timestamp implausible (%s): %d", c.name, pong.Timestamp)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, chatID, text string, stepTimeout time.Duration) string {
	mustWrite(parent, c.conn, v1.ClientFrame{Type: v1.TypeNewMessage, ChatID: chatID, Content: text}, stepTimeout)

	skip := map[string]struct{}{v1.TypeNewMessage: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, skip)
	if strings.TrimSpace(ack.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if !ack.Success {
		fatalf("ack not successful (%s)", c.name)
	}
	return ack.MessageID
}

func mustAssertNew(parent context.Context, c *smokeClient, chatID, messageID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeMessageSent: {}}
	ev := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, skip)

	if ev.ChatID != chatID {
		fatalf("new_message chat_id mismatch (%s): got=%q want=%q", c.name, ev.ChatID, chatID)
	}
	if ev.ID != messageID {
		fatalf("new_message id mismatch (%s): got=%q want=%q", c.name, ev.ID, messageID)
	}
	if ev.Content != text {
		fatalf("new_message content mismatch (%s): got=%q want=%q", c.name, ev.Content, text)
	}
	if strings.TrimSpace(ev.SenderID) == "" {
		fatalf("new_message missing sender_id (%s)", c.name)
	}
}

func mustChatStatus(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.ClientFrame{Type: v1.TypeGetChatStatus, ChatID: chatID}, stepTimeout)

	status := c.mustReadUntilType(parent, v1.TypeChatStatus, stepTimeout, nil)
	if status.ChatID != chatID {
		fatalf("chat_status chat_id mismatch (%s): got=%q want=%q", c.name, status.ChatID, chatID)
	}
	if !status.InRoom {
		fatalf("chat_status expected in_room=true (%s)", c.name)
	}
	if status.RoomMembers < 2 {
		fatalf("chat_status expected both clients subscribed (%s): got=%d", c.name, status.RoomMembers)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				return f
			}
			if f.Type == v1.TypeError {
				fatalf("server error (%s): %q", c.name, f.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[f.Type]; ok {
					continue
				}
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, f v1.ClientFrame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
