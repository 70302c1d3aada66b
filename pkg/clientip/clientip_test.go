package clientip_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/resumekit/pkg/clientip"
)

func TestResolver_IP(t *testing.T) {
	t.Parallel()

	trusting := clientip.New(clientip.Config{TrustedHeaders: []string{"cf-connecting-ip", " X-Forwarded-For "}})
	direct := clientip.New(clientip.Config{})

	tests := []struct {
		name       string
		resolver   *clientip.Resolver
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", direct, "203.0.113.7:5123", nil, "203.0.113.7"},
		{"untrusted header ignored", direct, "203.0.113.7:5123", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.7"},
		{"trusted order", trusting, "10.0.0.1:80", map[string]string{"CF-Connecting-IP": "198.51.100.2", "X-Forwarded-For": "1.2.3.4"}, "198.51.100.2"},
		{"first valid forwarded", trusting, "10.0.0.1:80", map[string]string{"X-Forwarded-For": "garbage, 192.0.2.9, 10.0.0.2"}, "192.0.2.9"},
		{"invalid trusted falls back", trusting, "10.0.0.1:80", map[string]string{"CF-Connecting-IP": "nope"}, "10.0.0.1"},
		{"ipv6 normalised", direct, "[2001:db8:0:0::1]:443", nil, "2001:db8::1"},
		{"remote without port", direct, "192.0.2.1", nil, "192.0.2.1"},
		{"unparseable", direct, "not-an-ip", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, tt.resolver.IP(r))
		})
	}
}

func TestResolver_Middleware(t *testing.T) {
	t.Parallel()

	var got string
	h := clientip.New(clientip.Config{}).Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = clientip.FromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.44:1000"
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "192.0.2.44", got)

	attr, ok := clientip.LoggerExtractor()(clientip.WithContext(context.Background(), got))
	assert.True(t, ok)
	assert.Equal(t, "client_ip", attr.Key)

	_, ok = clientip.LoggerExtractor()(context.Background())
	assert.False(t, ok)
}
