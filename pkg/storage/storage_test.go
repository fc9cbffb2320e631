package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

func TestLocalStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "sessions/t1/a.ogg", strings.NewReader("audio"), "audio/ogg"))

	rc, err := store.Open(ctx, "sessions/t1/a.ogg")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "audio", string(body))

	require.NoError(t, store.Delete(ctx, "sessions/t1/a.ogg"))
	require.NoError(t, store.Delete(ctx, "sessions/t1/a.ogg"))

	_, err = store.Open(ctx, "sessions/t1/a.ogg")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.Error(t, store.Put(ctx, "../escape", strings.NewReader("x"), ""))
}

func TestMediaKey(t *testing.T) {
	key := MediaKey("teacher-7", "Lecture One.MP4")
	assert.True(t, strings.HasPrefix(key, "sessions/teacher-7/"))
	assert.True(t, strings.HasSuffix(key, ".mp4"))

	assert.NotEqual(t, MediaKey("t", "a.ogg"), MediaKey("t", "a.ogg"))
	assert.True(t, strings.HasPrefix(MediaKey("../..", "x"), "sessions/anonymous/"))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(config.StorageConfig{Driver: "ftp"})
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = New(config.StorageConfig{Driver: "s3"})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify("download", "k", awserr.New("NoSuchKey", "missing", nil)), ErrObjectNotFound)
	assert.ErrorIs(t, classify("upload", "k", awserr.New("NoSuchBucket", "missing", nil)), ErrMisconfigured)
	err := classify("upload", "k", awserr.New("InternalError", "boom", nil))
	assert.NotErrorIs(t, err, ErrMisconfigured)
	assert.NotErrorIs(t, err, ErrObjectNotFound)
}

// fakeS3 answers the path-style object requests issued by the SDK.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3StorageAgainstFakeEndpoint(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	server := httptest.NewServer(fake)
	defer server.Close()

	store, err := NewS3Storage(config.StorageConfig{
		Bucket:          "media",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		EndpointURL:     server.URL,
		Region:          "us-east-1",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "sessions/t1/a.ogg", strings.NewReader("audio-bytes"), "audio/ogg"))
	assert.Equal(t, []byte("audio-bytes"), fake.objects["/media/sessions/t1/a.ogg"])

	rc, err := store.Open(ctx, "sessions/t1/a.ogg")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "audio-bytes", string(body))

	require.NoError(t, store.Delete(ctx, "sessions/t1/a.ogg"))
	_, err = store.Open(ctx, "sessions/t1/a.ogg")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
