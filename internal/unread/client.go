package unread

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/retry"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

type SentMessage struct {
	MessageID      liveconn.ID `json:"message_id"`
	ConversationID liveconn.ID `json:"conversation_id,omitempty"`
}

// RemoteClient is the REST fallback surface.
type RemoteClient interface {
	UnreadCounts(ctx context.Context, role Role) (Counts, error)
	MarkRead(ctx context.Context, conversationID liveconn.ID, messageIDs []liveconn.ID) error
	SendMessage(ctx context.Context, conversationID liveconn.ID, content string) (SentMessage, error)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrUnauthorized
	}
	return strings.TrimSpace(string(t)), nil
}

type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	clock      clock.Clock
	maxRetries int
	backoff    retry.Backoff
}

func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		clock:      clock.New(),
		maxRetries: 3,
		backoff:    retry.Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second},
	}
}

func (c *HTTPClient) UnreadCounts(ctx context.Context, role Role) (Counts, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", string(role))
	}
	requestPath := "/api/messages/unread-count/"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out Counts
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out); err != nil {
		return Counts{}, err
	}
	return out, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID liveconn.ID, messageIDs []liveconn.ID) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if messageIDs == nil {
		messageIDs = []liveconn.ID{}
	}
	body := liveconn.MarkRead{ConversationID: conversationID, MessageIDs: messageIDs}
	return c.doJSON(ctx, http.MethodPost, "/api/messages/mark-read/", body, nil)
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID liveconn.ID, content string) (SentMessage, error) {
	if conversationID == "" || strings.TrimSpace(content) == "" {
		return SentMessage{}, fmt.Errorf("%w: conversation id and content are required", ErrInvalidInput)
	}
	body := struct {
		ConversationID liveconn.ID `json:"conversation_id"`
		Content        string      `json:"content"`
	}{ConversationID: conversationID, Content: content}
	var out SentMessage
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages/send/", body, &out); err != nil {
		return SentMessage{}, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := retry.Wait(ctx, c.clock, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := retry.Wait(ctx, c.clock, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Detail
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *HTTPClient) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrUnauthorized
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrUnauthorized
	}
	return strings.TrimSpace(token), nil
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := retry.ParseRetryAfter(retryAfterHeader, c.clock.Now()); retryAfter > 0 {
		if retryAfter > c.backoff.Max {
			return c.backoff.Max
		}
		return retryAfter
	}
	return c.backoff.Delay(attempt)
}

func correlationID() string {
	return "notify_" + uuid.NewString()
}
