package objectstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestCleanKey(t *testing.T) {
	k, err := cleanKey(" /images/a.png/ ")
	require.NoError(t, err)
	assert.Equal(t, "images/a.png", k)

	_, err = cleanKey(" / ")
	require.Error(t, err)
}

func TestGCSStore_Put(t *testing.T) {
	var uploadedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/media"):
			_ = json.NewEncoder(w).Encode(map[string]any{"name": "media"})
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/b/media/o"):
			// multipart upload: metadata json part followed by the media part
			b, _ := io.ReadAll(r.Body)
			uploadedBody = string(b)
			_ = json.NewEncoder(w).Encode(map[string]any{"name": "exports/c1.html", "bucket": "media"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s, err := NewGCSStore(ctx, "media", "https://cdn.test/media",
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	url, err := s.Put(ctx, "exports/c1.html", "text/html", []byte("<h1>hi</h1>"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/media/exports/c1.html", url)
	assert.Contains(t, uploadedBody, "exports/c1.html")
	assert.Contains(t, uploadedBody, "<h1>hi</h1>")
	assert.Equal(t, "gcs", s.Backend())
}
