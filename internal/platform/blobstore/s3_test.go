package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves the subset of the S3 REST API the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body        []byte
	contentType string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return xmlResponse(http.StatusOK, b.String()), nil
	}

	switch req.Method {
	case http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			return emptyResponse(http.StatusNotFound), nil
		}
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(obj.body)))
		resp.Header.Set("Content-Type", obj.contentType)
		resp.Header.Set("ETag", `"etag123"`)
		resp.Header.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		return resp, nil
	case http.MethodPut:
		if _, exists := f.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return xmlResponse(http.StatusPreconditionFailed, `<Error><Code>PreconditionFailed</Code></Error>`), nil
		}
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeSingleChunk(body); ok {
			body = dec
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		resp := emptyResponse(http.StatusOK)
		resp.Header.Set("ETag", `"etag123"`)
		return resp, nil
	case http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return xmlResponse(http.StatusNotFound, `<Error><Code>NoSuchKey</Code></Error>`), nil
		}
		resp := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(obj.body)), Header: http.Header{}}
		resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(obj.body)))
		resp.Header.Set("Content-Type", obj.contentType)
		return resp, nil
	}
	return emptyResponse(http.StatusNotImplemented), nil
}

func emptyResponse(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}
}

func xmlResponse(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{"Content-Type": {"application/xml"}}}
}

// decodeSingleChunk unwraps a one-chunk aws-chunked payload: <hex>\r\n<body>\r\n0\r\n...
func decodeSingleChunk(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	var size int64
	if _, err := fmt.Sscanf(strings.SplitN(parts[0], ";", 2)[0], "%x", &size); err != nil {
		return nil, false
	}
	if int64(len(parts[1])) != size || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newFakeS3Store(t *testing.T) (*S3BlobStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &S3BlobStore{client: client, bucket: "mar-archive"}, fake
}

func TestS3BlobStore_PutGetHead(t *testing.T) {
	store, _ := newFakeS3Store(t)
	ctx := context.Background()

	meta, err := store.Put(ctx, "mar/2026/03/01.json", "application/json", strings.NewReader(`{"orders":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "mar/2026/03/01.json", meta.Key)
	assert.Equal(t, "application/json", meta.ContentType)

	rc, got, err := store.Get(ctx, "mar/2026/03/01.json")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"orders":[]}`, string(body))
	assert.Equal(t, "application/json", got.ContentType)

	head, err := store.Head(ctx, "mar/2026/03/01.json")
	require.NoError(t, err)
	assert.Equal(t, "etag123", head.Hash)
}

func TestS3BlobStore_PutIsCreateOnly(t *testing.T) {
	store, fake := newFakeS3Store(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "mar/2026/03/01.json", "application/json", strings.NewReader("first"))
	require.NoError(t, err)

	_, err = store.Put(ctx, "mar/2026/03/01.json", "application/json", strings.NewReader("second"))
	assert.ErrorIs(t, err, ErrBlobExists)
	assert.Equal(t, "first", string(fake.objects["mar/2026/03/01.json"].body))
}

func TestS3BlobStore_NotFound(t *testing.T) {
	store, _ := newFakeS3Store(t)
	ctx := context.Background()

	_, err := store.Head(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, _, err = store.Get(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestS3BlobStore_List(t *testing.T) {
	store, _ := newFakeS3Store(t)
	ctx := context.Background()

	for _, k := range []string{"mar/2026/03/02.json", "mar/2026/03/01.json", "mar/2026/04/01.json"} {
		_, err := store.Put(ctx, k, "application/json", strings.NewReader(k))
		require.NoError(t, err)
	}

	items, err := store.List(ctx, "mar/2026/03/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "mar/2026/03/01.json", items[0].Key)
	assert.Equal(t, "mar/2026/03/02.json", items[1].Key)
}

func TestS3BlobStore_InvalidKey(t *testing.T) {
	store, _ := newFakeS3Store(t)
	_, err := store.Put(context.Background(), "", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestNewS3BlobStore_RequiresBucket(t *testing.T) {
	_, err := NewS3BlobStore(context.Background(), S3Config{})
	require.Error(t, err)
}
