package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/docsync/internal/model"
)

// Header names carried on every stream handshake.
const (
	HeaderAuthorization  = "Authorization"
	HeaderAppCheck       = "X-App-Check"
	HeaderResourcePrefix = "X-Resource-Prefix"
)

const closeWriteTimeout = time.Second

// WebSocketConnection is a Connection over websockets. Each stream kind is
// served at its own path under the base URL ("/listen", "/write",
// "/lookup"). Messages are JSON envelopes produced by EncodeMessage.
type WebSocketConnection struct {
	baseURL  string
	database model.DatabaseID
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// WebSocketOption configures a WebSocketConnection.
type WebSocketOption func(*WebSocketConnection)

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(c *WebSocketConnection) { c.dialer = d }
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(l *slog.Logger) WebSocketOption {
	return func(c *WebSocketConnection) { c.logger = l }
}

// NewWebSocketConnection creates a connection to baseURL, a ws:// or wss://
// URL.
func NewWebSocketConnection(baseURL string, database model.DatabaseID, opts ...WebSocketOption) *WebSocketConnection {
	c := &WebSocketConnection{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		database: database,
		dialer:   websocket.DefaultDialer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WebSocketConnection) dial(ctx context.Context, path string, auth, appCheck *Token) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(HeaderResourcePrefix, c.database.DocumentsPrefix())
	if auth != nil && auth.Value != "" {
		header.Set(HeaderAuthorization, "Bearer "+auth.Value)
	}
	if appCheck != nil && appCheck.Value != "" {
		header.Set(HeaderAppCheck, appCheck.Value)
	}

	url := c.baseURL + "/" + path
	ws, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, Errorf(CodeUnauthenticated, "dial %s: %v", url, err)
			case http.StatusForbidden:
				return nil, Errorf(CodePermissionDenied, "dial %s: %v", url, err)
			case http.StatusTooManyRequests:
				return nil, Errorf(CodeResourceExhausted, "dial %s: %v", url, err)
			}
		}
		return nil, Errorf(CodeUnavailable, "dial %s: %v", url, err)
	}
	c.logger.Debug("websocket connected", "url", url)
	return ws, nil
}

// OpenStream implements Connection.
func (c *WebSocketConnection) OpenStream(ctx context.Context, kind StreamKind, auth, appCheck *Token) (Stream, error) {
	ws, err := c.dial(ctx, kind.String(), auth, appCheck)
	if err != nil {
		return nil, err
	}
	return &wsStream{ws: ws}, nil
}

// Lookup implements Connection with a short-lived "/lookup" socket.
func (c *WebSocketConnection) Lookup(ctx context.Context, auth, appCheck *Token, keys []model.DocumentKey) ([]*model.MutableDocument, error) {
	ws, err := c.dial(ctx, "lookup", auth, appCheck)
	if err != nil {
		return nil, err
	}
	s := &wsStream{ws: ws}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	if err := s.Send(&LookupRequest{Keys: keys}); err != nil {
		return nil, err
	}
	msg, err := s.Recv()
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*LookupResponse)
	if !ok {
		return nil, Errorf(CodeInternal, "unexpected lookup message %T", msg)
	}
	return resp.Documents, nil
}

type wsStream struct {
	ws *websocket.Conn
}

func (s *wsStream) Send(msg any) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return Errorf(CodeUnavailable, "websocket write: %v", err)
	}
	return nil
}

// Recv returns io.EOF on a normal close and the server's status when it
// sends an error envelope.
func (s *wsStream) Recv() (any, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, Errorf(CodeUnavailable, "websocket read: %v", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return nil, Errorf(CodeInternal, "%v", err)
	}
	var se *StatusError
	if e, ok := msg.(error); ok && errors.As(e, &se) {
		return nil, se
	}
	return msg, nil
}

func (s *wsStream) Close() error {
	deadline := time.Now().Add(closeWriteTimeout)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err := s.ws.Close(); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
