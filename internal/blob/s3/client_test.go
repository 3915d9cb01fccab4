package s3blob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "https://minio:9000", withScheme("minio:9000", true))
	assert.Equal(t, "http://localhost:9000", withScheme("http://localhost:9000", true))
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
	assert.Contains(t, err.Error(), "region is required")
}

func TestReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/evidence" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "evidence",
		AccessKey:      "minio",
		SecretKey:      "minio123",
		ForcePathStyle: true,
	}
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, c.Reachable(context.Background()))

	cfg.Bucket = "missing"
	c, err = New(context.Background(), cfg)
	require.NoError(t, err)
	err = c.Reachable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket missing unreachable")
}
