package liveconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Conn is one open transport session.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens transport sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials endpoints with nhooyr.io/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps a single inbound message; zero keeps the library default.
	ReadLimit int64
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// EndpointURL upgrades the scheme of baseURL (http→ws, https→wss), appends
// path and passes token as the "token" query parameter. Non-empty extra
// values are added to the query.
func EndpointURL(baseURL, path, token string, extra url.Values) (string, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("base url is required")
	}
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("token is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme: %q", parsed.Scheme)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	q := parsed.Query()
	for key, values := range extra {
		for _, value := range values {
			if value != "" {
				q.Add(key, value)
			}
		}
	}
	q.Set("token", token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
