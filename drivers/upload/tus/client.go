// Package tus implements upload.Endpoint over the tus resumable upload protocol.
package tus

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/burugo/eventsync"
	"github.com/burugo/eventsync/upload"
)

// ProtocolVersion is sent in the Tus-Resumable header of every request.
const ProtocolVersion = "1.0.0"

// HTTPError is a response the status mapping does not recognise.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	// EndpointURL is the upload creation URL.
	EndpointURL string
	// PublicBaseURL prefixes container/object to form a completed upload's public URL.
	PublicBaseURL string
	HTTPClient    *http.Client
	// Store records the Location of every open session so a later process can
	// resume it. Without it only servers that name uploads after the sessionId
	// metadata can be resumed across restarts.
	Store eventsync.PersistentStore
}

// locationKeyPrefix namespaces session records in the PersistentStore.
const locationKeyPrefix = "tus:session:"

// sessionRecord is the persisted address of an open session.
type sessionRecord struct {
	URL    string `json:"url"`
	Length uint64 `json:"length"`
}

// Client talks to one tus endpoint. Sessions are addressed by the Location the
// server returns on creation. A session unknown to both the client and its Store
// is addressed as EndpointURL/<sessionID>.
type Client struct {
	endpointURL   string
	publicBaseURL string
	httpClient    *http.Client
	store         eventsync.PersistentStore

	mu       sync.Mutex
	sessions map[string]sessionRecord
}

var _ upload.Endpoint = (*Client)(nil)

// New creates a Client.
func New(opts Options) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.EndpointURL), "/")
	if endpoint == "" {
		return nil, &eventsync.ValidationError{Field: "EndpointURL", Reason: "must not be empty"}
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, &eventsync.ValidationError{Field: "EndpointURL", Reason: err.Error()}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Per-attempt deadlines come from the caller's context.
		httpClient = &http.Client{Timeout: 0}
	}
	return &Client{
		endpointURL:   endpoint,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(opts.PublicBaseURL), "/"),
		httpClient:    httpClient,
		store:         opts.Store,
		sessions:      make(map[string]sessionRecord),
	}, nil
}

// QueryOffset sends HEAD and returns Upload-Offset.
func (c *Client) QueryOffset(ctx context.Context, token, sessionID string) (uint64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.location(ctx, sessionID).URL, token, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req, "head")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		c.forget(ctx, sessionID)
		return 0, fmt.Errorf("session %s: %w", sessionID, eventsync.ErrSessionNotFound)
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return parseOffset(resp.Header.Get("Upload-Offset"))
	default:
		return 0, statusError("head", resp)
	}
}

// CreateSession sends POST with Upload-Length and Upload-Metadata.
func (c *Client) CreateSession(ctx context.Context, token string, session upload.Session) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpointURL, token, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Upload-Length", strconv.FormatUint(session.TotalBytes, 10))
	req.Header.Set("Upload-Metadata", encodeMetadata(map[string]string{
		"bucketName":  session.Destination.Container,
		"objectName":  session.Destination.ObjectName,
		"contentType": session.Destination.ContentType,
		"sessionId":   session.ID,
	}))
	resp, err := c.do(req, "create")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("create", resp)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		resolved, err := req.URL.Parse(loc)
		if err != nil {
			return fmt.Errorf("invalid upload location %q: %w", loc, err)
		}
		c.remember(ctx, session.ID, sessionRecord{URL: resolved.String(), Length: session.TotalBytes})
	}
	return nil
}

// UploadChunk sends PATCH at offset and returns the new Upload-Offset.
func (c *Client) UploadChunk(ctx context.Context, token, sessionID string, offset uint64, chunk []byte) (uint64, error) {
	rec := c.location(ctx, sessionID)
	req, err := c.newRequest(ctx, http.MethodPatch, rec.URL, token, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatUint(offset, 10))
	resp, err := c.do(req, "patch")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return 0, fmt.Errorf("patch at %d: %w", offset, eventsync.ErrOffsetMismatch)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		c.forget(ctx, sessionID)
		return 0, fmt.Errorf("session %s: %w", sessionID, eventsync.ErrSessionNotFound)
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		next, err := parseOffset(resp.Header.Get("Upload-Offset"))
		if err == nil && rec.Length > 0 && next >= rec.Length {
			c.forget(ctx, sessionID)
		}
		return next, err
	default:
		return 0, statusError("patch", resp)
	}
}

// PublicURL returns where a completed object is served.
func (c *Client) PublicURL(dest upload.Destination) string {
	segments := strings.Split(dest.ObjectName, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.publicBaseURL + "/" + url.PathEscape(dest.Container) + "/" + strings.Join(segments, "/")
}

// location resolves a session from memory, then from the store, then by id.
func (c *Client) location(ctx context.Context, sessionID string) sessionRecord {
	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		return rec
	}
	if c.store != nil {
		data, err := c.store.Get(ctx, locationKeyPrefix+sessionID)
		switch {
		case err == nil:
			if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil && rec.URL != "" {
				c.mu.Lock()
				c.sessions[sessionID] = rec
				c.mu.Unlock()
				return rec
			}
			log.Printf("WARN: Ignoring unreadable tus session record for '%s'", sessionID)
		case !errors.Is(err, eventsync.ErrNotFound):
			log.Printf("WARN: Failed to read tus session record for '%s': %v", sessionID, err)
		}
	}
	return sessionRecord{URL: c.endpointURL + "/" + url.PathEscape(sessionID)}
}

func (c *Client) remember(ctx context.Context, sessionID string, rec sessionRecord) {
	c.mu.Lock()
	c.sessions[sessionID] = rec
	c.mu.Unlock()
	// An empty upload is complete once created.
	if c.store == nil || rec.Length == 0 {
		return
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = c.store.Set(ctx, locationKeyPrefix+sessionID, data)
	}
	if err != nil {
		log.Printf("WARN: Failed to persist tus session '%s', it cannot be resumed after a restart: %v", sessionID, err)
	}
}

func (c *Client) forget(ctx context.Context, sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	if err := c.store.Remove(ctx, locationKeyPrefix+sessionID); err != nil && !errors.Is(err, eventsync.ErrNotFound) {
		log.Printf("WARN: Failed to remove tus session record '%s': %v", sessionID, err)
	}
}

func (c *Client) newRequest(ctx context.Context, method, target, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Tus-Resumable", ProtocolVersion)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do sends req; transport failures are transient unless the caller gave up.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, &eventsync.TransientNetworkError{Op: op, Err: err}
	}
	return resp, nil
}

// statusError maps an unexpected status: 401/403 expire the credential, 429 and 5xx
// are transient, everything else is permanent.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &eventsync.AuthExpiredError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			httpErr.Message = fmt.Sprintf("%s (retry after %s)", httpErr.Message, wait)
		}
		return &eventsync.TransientNetworkError{Op: op, Err: httpErr}
	default:
		return fmt.Errorf("%s rejected: %w", op, httpErr)
	}
}

func parseOffset(header string) (uint64, error) {
	if header == "" {
		return 0, &eventsync.TransientNetworkError{Op: "offset", Err: errors.New("response has no Upload-Offset header")}
	}
	offset, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Upload-Offset %q: %w", header, err)
	}
	return offset, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}

// encodeMetadata renders Upload-Metadata: comma separated "key base64(value)" pairs.
// Empty values are sent as a bare key.
func encodeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if meta[k] == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}
