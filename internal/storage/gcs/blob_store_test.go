package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsScreenshot(t *testing.T) {
	t.Parallel()

	objectName := "screenshots/s1/abc.jpg"
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'p', 'g'}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/shots/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.True(t, bytes.Contains(body, payload))
		assert.Contains(t, string(body), "image/jpeg")
		fmt.Fprintln(w, `{"name": "`+objectName+`", "bucket": "shots"}`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "shots"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), objectName, "image/jpeg", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://shots/"+objectName, uri)
	assert.NoError(t, store.Close())
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "shots"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "image/jpeg", bytes.NewReader(nil))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "x.jpg", "image/jpeg", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/shots")
		fmt.Fprintln(w, `{"name": "shots"}`)
	}))
	t.Cleanup(ok.Close)

	store, err := Open(context.Background(), Config{Bucket: "shots"}, nil,
		option.WithEndpoint(ok.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error": {"code": 404, "message": "Not Found"}}`)
	}))
	t.Cleanup(missing.Close)

	_, err = Open(context.Background(), Config{Bucket: "shots"}, nil,
		option.WithEndpoint(missing.URL), option.WithoutAuthentication())
	require.ErrorContains(t, err, "failed to get GCS bucket")

	_, err = Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}
