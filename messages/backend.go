package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/burugo/eventsync"
)

// HTTPBackend is the REST message API:
//
//	GET  {base}/conversations/{id}/messages?before=<rfc3339>&limit=<n>
//	POST {base}/conversations/{id}/messages
type HTTPBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

type listResponse struct {
	Messages []Message `json:"messages"`
}

// NewHTTPBackend creates an HTTPBackend. token may be empty.
func NewHTTPBackend(baseURL, token string, httpClient *http.Client) (*HTTPBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, &eventsync.ValidationError{Field: "baseURL", Reason: "must not be empty"}
	}
	if _, err := url.Parse(base); err != nil {
		return nil, &eventsync.ValidationError{Field: "baseURL", Reason: err.Error()}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{baseURL: base, token: token, httpClient: httpClient}, nil
}

func (b *HTTPBackend) ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != nil {
		q.Set("before", FormatCursor(*before))
	}
	target := b.messagesURL(conversationID) + "?" + q.Encode()
	var out listResponse
	if err := b.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (b *HTTPBackend) SendMessage(ctx context.Context, conversationID string, msg OutgoingMessage) (Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode message: %w", err)
	}
	var out Message
	if err := b.do(ctx, http.MethodPost, b.messagesURL(conversationID), body, &out); err != nil {
		return Message{}, err
	}
	if out.ID == "" {
		return Message{}, errors.New("send response has no message id")
	}
	return out, nil
}

func (b *HTTPBackend) messagesURL(conversationID string) string {
	return b.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func (b *HTTPBackend) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	op := strings.ToLower(method) + " messages"
	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return &eventsync.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// statusError maps a non-2xx response onto the shared error kinds.
func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(raw))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &eventsync.AuthExpiredError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &eventsync.TransientNetworkError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, message)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &eventsync.ValidationError{Field: "message", Reason: message}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, eventsync.ErrNotFound)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, message)
	}
}
