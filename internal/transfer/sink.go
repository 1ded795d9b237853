// ABOUTME: Destinations for inbound transfers: in-memory buffers and files on disk.
// ABOUTME: File sinks are named after the agent and get an extension sniffed from content.

package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Sink receives the chunks of one inbound transfer.
type Sink interface {
	Write(p []byte) (int, error)
	// Commit finalizes the content and returns where it was stored, if anywhere.
	Commit() (string, error)
	// Abort discards partial content.
	Abort() error
}

// BufferSink keeps the transfer in memory.
type BufferSink struct {
	buf bytes.Buffer
}

func (b *BufferSink) Write(p []byte) (int, error) { return b.buf.Write(p) }

// Commit implements Sink; the content stays in memory.
func (b *BufferSink) Commit() (string, error) { return "", nil }

// Abort implements Sink.
func (b *BufferSink) Abort() error {
	b.buf.Reset()
	return nil
}

// Bytes returns the received content.
func (b *BufferSink) Bytes() []byte { return b.buf.Bytes() }

// sniffLen is how much of a file net/http looks at to guess its type.
const sniffLen = 512

// preferredExt overrides mime's extension choice for common types, since the
// system tables list several candidates in no useful order.
var preferredExt = map[string]string{
	"image/png":                ".png",
	"image/jpeg":               ".jpg",
	"image/gif":                ".gif",
	"image/bmp":                ".bmp",
	"image/webp":               ".webp",
	"application/pdf":          ".pdf",
	"application/zip":          ".zip",
	"application/x-gzip":       ".gz",
	"text/plain":               ".txt",
	"text/html":                ".html",
	"text/xml":                 ".xml",
	"application/json":         ".json",
	"application/octet-stream": "",
}

// FileSink writes a transfer to <dir>/<command-id>/<name>, adding an extension
// based on the content once the transfer completes.
type FileSink struct {
	path  string
	file  *os.File
	head  []byte
	final string
}

// NewFileSink creates the command directory and opens a temporary file in it.
func NewFileSink(dir string, commandID uuid.UUID, name string) (*FileSink, error) {
	cmdDir := filepath.Join(dir, commandID.String())
	if err := os.MkdirAll(cmdDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	path := filepath.Join(cmdDir, filepath.Base(name))
	f, err := os.Create(path + ".part")
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}
	return &FileSink{path: path, file: f}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	if s.file == nil {
		return 0, errors.New("file sink closed")
	}
	if need := sniffLen - len(s.head); need > 0 {
		s.head = append(s.head, p[:min(need, len(p))]...)
	}
	return s.file.Write(p)
}

// Commit closes the file and renames it to its final name.
func (s *FileSink) Commit() (string, error) {
	if s.file == nil {
		return s.final, nil
	}
	tmp := s.file.Name()
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("close download file: %w", err)
	}
	s.file = nil

	final := s.path + extensionFor(s.head)
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("rename download file: %w", err)
	}
	s.final = final
	return final, nil
}

// Abort closes and removes the partial file.
func (s *FileSink) Abort() error {
	if s.file == nil {
		return nil
	}
	tmp := s.file.Name()
	_ = s.file.Close()
	s.file = nil
	return os.Remove(tmp)
}

// extensionFor guesses a file extension from the first bytes of content.
func extensionFor(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	ctype := http.DetectContentType(head)
	mediatype, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return ""
	}
	if ext, ok := preferredExt[mediatype]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediatype)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.ToLower(exts[0])
}
