package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Session describes a remote resumable upload session.
type Session struct {
	ID          string
	TotalBytes  uint64
	Destination Destination
}

// Endpoint is the remote side of the resumable upload protocol.
//
// QueryOffset returns eventsync.ErrSessionNotFound when the remote has no session
// with that id. Credential failures are reported as *eventsync.AuthExpiredError and
// retryable transport failures as *eventsync.TransientNetworkError; any other error
// is treated as permanent. UploadChunk returns the offset the remote acknowledged.
type Endpoint interface {
	QueryOffset(ctx context.Context, token, sessionID string) (uint64, error)
	CreateSession(ctx context.Context, token string, session Session) error
	UploadChunk(ctx context.Context, token, sessionID string, offset uint64, chunk []byte) (uint64, error)
	PublicURL(dest Destination) string
}

// TokenSource supplies bearer tokens. It is asked again after every auth failure.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Source is random-access upload input of a known size.
type Source interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Opener opens the source named by a task's SourceURI.
type Opener func(sourceURI string) (Source, error)

type fileSource struct {
	*os.File
	size int64
}

func (f *fileSource) Size() int64 { return f.size }

// OpenFile opens a local path or file:// URI.
func OpenFile(sourceURI string) (Source, error) {
	path := strings.TrimPrefix(sourceURI, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat upload source: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("upload source %s is a directory", path)
	}
	return &fileSource{File: f, size: info.Size()}, nil
}
