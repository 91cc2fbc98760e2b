package media

// Package media turns raw files (picked from disk, dropped into the watch
// folder or produced by a capture device) into validated Assets that are
// allowed to enter the analysis pipeline.

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"microscopy-analyzer/internal/failure"

	"github.com/google/uuid"
)

// Kind is the type of a sample.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// Size ceilings per kind.
const (
	MaxPhotoBytes int64 = 50 * 1024 * 1024
	MaxVideoBytes int64 = 1024 * 1024 * 1024
)

// MaxBytes returns the size ceiling for k.
func (k Kind) MaxBytes() int64 {
	if k == KindVideo {
		return MaxVideoBytes
	}
	return MaxPhotoBytes
}

// RawFile is an unvalidated input.
type RawFile struct {
	Name     string
	MimeType string
	Size     int64
	Content  []byte
}

// Asset is one validated sample. Content is owned by whoever holds the Asset;
// the pipeline drops its reference once the upload resolves or the session is
// reset.
type Asset struct {
	ID         string
	Kind       Kind
	ByteSize   int64
	MimeType   string
	SourceName string
	Content    []byte
}

// Reader returns a fresh reader over the asset content.
func (a Asset) Reader() *bytes.Reader {
	return bytes.NewReader(a.Content)
}

// KindFromMime classifies a MIME type by prefix.
func KindFromMime(mimeType string) (Kind, bool) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindPhoto, true
	case strings.HasPrefix(mt, "video/"):
		return KindVideo, true
	default:
		return "", false
	}
}

// ValidateAndWrap classifies raw and checks it against the kind ceiling.
// It never touches the network.
func ValidateAndWrap(raw RawFile) (Asset, error) {
	kind, ok := KindFromMime(raw.MimeType)
	if !ok {
		return Asset{}, failure.Newf(failure.KindUnsupportedType,
			"unsupported file type %q: choose a video or image file", raw.MimeType)
	}

	size := raw.Size
	if size == 0 && raw.Content != nil {
		size = int64(len(raw.Content))
	}
	if size > kind.MaxBytes() {
		return Asset{}, failure.Newf(failure.KindFileTooLarge,
			"%s is %d bytes, the %s limit is %d bytes", raw.Name, size, kind, kind.MaxBytes())
	}

	return Asset{
		ID:         uuid.NewString(),
		Kind:       kind,
		ByteSize:   size,
		MimeType:   raw.MimeType,
		SourceName: filepath.Base(raw.Name),
		Content:    raw.Content,
	}, nil
}

// DetectMime guesses a MIME type from the file extension, falling back to
// content sniffing.
func DetectMime(name string, head []byte) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); mt != "" {
		return mt
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".heic":
		return "image/heic"
	}
	return http.DetectContentType(head)
}

// LoadFile reads path into a validated Asset. The size check runs before the
// content is read so oversized files are never loaded into memory.
func LoadFile(path string) (Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Asset{}, fmt.Errorf("failed to open sample: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Asset{}, fmt.Errorf("failed to stat sample: %w", err)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Asset{}, fmt.Errorf("failed to read sample: %w", err)
	}

	raw := RawFile{
		Name:     path,
		MimeType: DetectMime(path, head[:n]),
		Size:     info.Size(),
	}

	// Validate on metadata first.
	if _, err := ValidateAndWrap(raw); err != nil {
		return Asset{}, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Asset{}, fmt.Errorf("failed to rewind sample: %w", err)
	}
	raw.Content, err = io.ReadAll(f)
	if err != nil {
		return Asset{}, fmt.Errorf("failed to read sample: %w", err)
	}
	raw.Size = int64(len(raw.Content))

	return ValidateAndWrap(raw)
}
