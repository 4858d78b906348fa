package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
	"github.com/sipeed/picobot/pkg/logger"
)

// wsIncoming is the JSON message a client sends.
type wsIncoming struct {
	Text   string `json:"text"`
	User   string `json:"user,omitempty"`
	Thread string `json:"thread_ts,omitempty"`
}

// wsOutgoing is the JSON message sent to a client.
type wsOutgoing struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Thread  string `json:"thread_ts,omitempty"`
	Text    string `json:"text,omitempty"`
	Blocks  []any  `json:"blocks,omitempty"`
	BotID   string `json:"bot_id,omitempty"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *wsClient) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketTransport is a server that speaks the bot protocol to websocket
// clients. Every connection is its own channel, named "ws:<client id>".
type WebSocketTransport struct {
	config   config.WebSocketConfig
	stream   *eventStream
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient // channel -> client
	server  *http.Server
}

func NewWebSocketTransport(cfg config.WebSocketConfig) *WebSocketTransport {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &WebSocketTransport{
		config: cfg,
		stream: newEventStream(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// ResolveIdentity returns the configured bot id. The server is the only
// participant that can be addressed by mention.
func (t *WebSocketTransport) ResolveIdentity(_ context.Context, _ string) (string, error) {
	if t.config.BotID == "" {
		return "", dispatch.ErrIdentityNotFound
	}
	return t.config.BotID, nil
}

// Handler serves the websocket endpoint.
func (t *WebSocketTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.config.Path, t.handleWS)
	return mux
}

// Connect binds the listen address and starts serving.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(t.config.Host, fmt.Sprint(t.config.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	logger.InfoCF("websocket", "WebSocket server listening", map[string]any{
		"addr": ln.Addr().String(),
		"path": t.config.Path,
	})

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("websocket", "Server error", map[string]any{
				"error": err.Error(),
			})
			t.stream.fail(fmt.Errorf("websocket server: %w", err))
		}
	}()
	return nil
}

func (t *WebSocketTransport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("websocket", "Upgrade failed", map[string]any{
			"error": err.Error(),
		})
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	channel := "ws:" + clientID
	client := &wsClient{id: clientID, conn: conn}

	t.mu.Lock()
	if old, ok := t.clients[channel]; ok {
		old.conn.Close()
	}
	t.clients[channel] = client
	t.mu.Unlock()

	logger.InfoCF("websocket", "New WebSocket connection", map[string]any{
		"client_id":   clientID,
		"remote_addr": r.RemoteAddr,
	})

	if err := client.write(wsOutgoing{Type: "hello", Channel: channel, BotID: t.config.BotID}); err != nil {
		logger.WarnCF("websocket", "Failed to greet client", map[string]any{
			"client_id": clientID,
			"error":     err.Error(),
		})
	}

	go t.readPump(client, channel)
}

func (t *WebSocketTransport) readPump(client *wsClient, channel string) {
	defer func() {
		t.mu.Lock()
		if t.clients[channel] == client {
			delete(t.clients, channel)
		}
		t.mu.Unlock()
		client.conn.Close()

		logger.InfoCF("websocket", "Client disconnected", map[string]any{
			"client_id": client.id,
		})
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.ErrorCF("websocket", "Read error", map[string]any{
					"client_id": client.id,
					"error":     err.Error(),
				})
			}
			return
		}

		var incoming wsIncoming
		if err := json.Unmarshal(message, &incoming); err != nil {
			logger.WarnCF("websocket", "Invalid JSON message", map[string]any{
				"client_id": client.id,
				"error":     err.Error(),
			})
			continue
		}

		user := incoming.User
		if user == "" {
			user = client.id
		}
		ev := messageEvent{
			Channel: channel,
			Thread:  incoming.Thread,
			User:    user,
			Text:    incoming.Text,
		}
		if err := t.stream.publish(context.Background(), ev); err != nil {
			logger.WarnCF("websocket", "Dropped message", map[string]any{
				"client_id": client.id,
				"error":     err.Error(),
			})
			return
		}
	}
}

func (t *WebSocketTransport) ReadEvents(ctx context.Context) ([]dispatch.RawEvent, error) {
	return t.stream.ReadEvents(ctx)
}

func (t *WebSocketTransport) Send(_ context.Context, channel, thread string, p dispatch.Payload) error {
	t.mu.RLock()
	client, ok := t.clients[channel]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection for channel %s", channel)
	}

	out := wsOutgoing{
		Type:    "message",
		Channel: channel,
		Thread:  thread,
		Text:    p.Text,
		Blocks:  p.Blocks,
	}
	if out.Text == "" {
		out.Text = PlainText(p)
	}
	if err := client.write(out); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", channel, err)
	}
	return nil
}

func (t *WebSocketTransport) Close() error {
	t.stream.close()

	t.mu.Lock()
	for channel, client := range t.clients {
		client.conn.Close()
		delete(t.clients, channel)
	}
	server := t.server
	t.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("websocket server shutdown: %w", err)
	}
	return nil
}
