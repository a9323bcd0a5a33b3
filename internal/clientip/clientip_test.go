package clientip

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRequest(remoteAddr string, forwarded ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for _, value := range forwarded {
		req.Header.Add("X-Forwarded-For", value)
	}
	return req
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"203.0.113.5":          "203.0.113.5",
		" 203.0.113.5 ":        "203.0.113.5",
		"::ffff:203.0.113.5":   "203.0.113.5",
		"2001:DB8:0:0:0:0:0:1": "2001:db8::1",
		"[2001:db8::1]":        "2001:db8::1",
		"[2001:db8::1]:8443":   "2001:db8::1",
		"198.51.100.2:51234":   "198.51.100.2",
		"fe80::1%eth0":         "fe80::1",
		"not-an-ip":            "not-an-ip",
		"":                     "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestPeerResolverIgnoresForwardedHeaders(t *testing.T) {
	resolver, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := newRequest("192.0.2.10:4000", "203.0.113.99")

	if got := resolver.Resolve(req); got != "192.0.2.10" {
		t.Fatalf("expected peer address, got %q", got)
	}
}

func TestForwardedResolverTakesLeftMostEntry(t *testing.T) {
	resolver, err := New(Config{Source: SourceForwarded})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := resolver.Resolve(newRequest("10.0.0.1:80", " 203.0.113.7 , 10.0.0.1")); got != "203.0.113.7" {
		t.Fatalf("expected left-most forwarded address, got %q", got)
	}
	if got := resolver.Resolve(newRequest("10.0.0.1:80")); got != "10.0.0.1" {
		t.Fatalf("expected peer fallback, got %q", got)
	}
	if got := resolver.Resolve(newRequest("10.0.0.1:80", " , 203.0.113.7")); got != "10.0.0.1" {
		t.Fatalf("expected blank first entry to fall back to peer, got %q", got)
	}
}

func TestTrustedResolver(t *testing.T) {
	resolver, err := New(Config{Source: SourceTrusted, TrustedProxies: []string{"10.0.0.0/8", "192.0.2.1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		name string
		req  *http.Request
		want string
	}{
		{
			name: "untrusted peer cannot spoof",
			req:  newRequest("198.51.100.4:1234", "203.0.113.50"),
			want: "198.51.100.4",
		},
		{
			name: "skips trusted hops from the right",
			req:  newRequest("10.1.1.1:1234", "6.6.6.6, 203.0.113.50, 10.2.2.2"),
			want: "203.0.113.50",
		},
		{
			name: "multiple header lines are joined",
			req:  newRequest("192.0.2.1:1234", "6.6.6.6", "203.0.113.51, 10.0.0.9"),
			want: "203.0.113.51",
		},
		{
			name: "invalid hops are skipped",
			req:  newRequest("10.1.1.1:1234", "203.0.113.52, garbage"),
			want: "203.0.113.52",
		},
		{
			name: "all hops trusted falls back to first",
			req:  newRequest("10.1.1.1:1234", "10.9.9.9, 10.8.8.8"),
			want: "10.9.9.9",
		},
		{
			name: "trusted peer without header",
			req:  newRequest("10.1.1.1:1234"),
			want: "10.1.1.1",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := resolver.Resolve(tc.req); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{Source: "header"}); err == nil {
		t.Fatal("expected unknown source to fail")
	}
	if _, err := New(Config{Source: SourceTrusted}); err == nil {
		t.Fatal("expected trusted source without proxies to fail")
	}
	if _, err := New(Config{Source: SourceTrusted, TrustedProxies: []string{"10.0.0.0/33"}}); err == nil {
		t.Fatal("expected invalid CIDR to fail")
	}
}
