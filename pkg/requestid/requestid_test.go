package requestid_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/resumekit/pkg/requestid"
)

func serve(t *testing.T, inbound string) (ctxID, header string) {
	t.Helper()
	h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = requestid.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/generate-resume", nil)
	if inbound != "" {
		req.Header.Set(requestid.Header, inbound)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get(requestid.Header)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("generates when missing", func(t *testing.T) {
		t.Parallel()
		id, header := serve(t, "")
		assert.NotEmpty(t, id)
		assert.Equal(t, id, header)
	})

	t.Run("keeps valid inbound ids", func(t *testing.T) {
		t.Parallel()
		for _, in := range []string{"abc123", "ABC-123_xyz", "550e8400-e29b-41d4-a716-446655440000"} {
			id, header := serve(t, in)
			assert.Equal(t, in, id)
			assert.Equal(t, in, header)
		}
	})

	t.Run("replaces malformed ids", func(t *testing.T) {
		t.Parallel()
		for _, in := range []string{"a b", "x/y", "<script>", strings.Repeat("a", 129)} {
			id, _ := serve(t, in)
			assert.NotEqual(t, in, id)
			assert.NotEmpty(t, id)
		}
	})
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()

	_, ok := requestid.LoggerExtractor()(context.Background())
	assert.False(t, ok)

	attr, ok := requestid.LoggerExtractor()(requestid.WithContext(context.Background(), "r-1"))
	require.True(t, ok)
	assert.Equal(t, "request_id", attr.Key)
	assert.Equal(t, "r-1", attr.Value.String())
}

func TestTransport(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(requestid.Header)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: &requestid.Transport{}}
	ctx := requestid.WithContext(context.Background(), "outbound-7")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "outbound-7", seen)
	assert.Empty(t, req.Header.Get(requestid.Header), "caller request must not be mutated")
}
