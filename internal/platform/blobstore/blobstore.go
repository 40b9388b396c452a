// Package blobstore provides write-once object storage for MAR archives.
// It defines the BlobStore interface, an in-memory implementation suitable for
// testing and development, an S3 implementation, and Echo HTTP handlers for
// listing and downloading archived objects.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobExists   = errors.New("blob already exists")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingKey   = errors.New("blob key is required")
	ErrInvalidKey   = errors.New("blob key is invalid")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for archive storage backends. Objects are
// immutable: Put never overwrites an existing key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Head(ctx context.Context, key string) (*BlobMetadata, error)
	List(ctx context.Context, prefix string) ([]*BlobMetadata, error)
}

// ValidateKey rejects empty, absolute and dot-segment keys.
func ValidateKey(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Put reads the content, computes a SHA-256 hash, and stores the blob under
// key unless the key is already taken.
func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*BlobMetadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta := BlobMetadata{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return nil, ErrBlobExists
	}
	s.blobs[key] = &storedBlob{metadata: meta, content: data}

	out := meta
	return &out, nil
}

// Get returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// Head returns blob metadata without content.
func (s *InMemoryBlobStore) Head(_ context.Context, key string) (*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

// List returns the metadata of every blob whose key starts with prefix,
// sorted by key.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*BlobMetadata
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			meta := b.metadata
			items = append(items, &meta)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// listResponse is the JSON envelope returned by the list endpoint.
type listResponse struct {
	Items []*BlobMetadata `json:"items"`
	Total int             `json:"total"`
}

// BlobHandler provides read-only Echo HTTP handlers over archived blobs.
type BlobHandler struct {
	store BlobStore
}

// NewBlobHandler creates a new BlobHandler.
func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts archive routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/archives", h.handleList)
	g.GET("/archives/*", h.handleDownload)
}

func (h *BlobHandler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if err := ValidateKey(key); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	rc, meta, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	name := key[strings.LastIndex(key, "/")+1:]
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	return c.Stream(http.StatusOK, contentType, rc)
}
