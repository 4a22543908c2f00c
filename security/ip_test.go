package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.1:4567",
			want:       "192.0.2.1",
		},
		{
			name:       "headers ignored without proxy trust",
			remoteAddr: "192.0.2.1:4567",
			xff:        "203.0.113.9",
			xRealIP:    "203.0.113.9",
			want:       "192.0.2.1",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.5:80",
			xff:               "203.0.113.9, 10.0.0.5",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.9",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.5:80",
			xff:               "203.0.113.9, 10.0.0.4, 10.0.0.5",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.9",
		},
		{
			name:              "spoofed extra entries clamp to leftmost",
			remoteAddr:        "10.0.0.5:80",
			xff:               "203.0.113.9",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.9",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.5:80",
			xRealIP:    "203.0.113.9",
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "garbage forwarded header falls back",
			remoteAddr: "10.0.0.5:80",
			xff:        "not-an-ip",
			trustProxy: true,
			want:       "10.0.0.5",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.1",
			want:       "192.0.2.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
