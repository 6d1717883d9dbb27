package tools

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestWebSandboxTool_DomainAllowList(t *testing.T) {
	tool := NewWebSandboxTool([]string{"example.com"}, time.Second, 1<<20)
	ctx := context.Background()

	res := tool.Execute(ctx, "fetch", map[string]any{"url": "https://evil.test/page"}, Invocation{})
	if res.Success {
		t.Fatal("fetch from unlisted domain succeeded")
	}

	res = tool.Execute(ctx, "fetch", map[string]any{"url": "ftp://example.com/file"}, Invocation{})
	if res.Success {
		t.Fatal("non-http scheme succeeded")
	}
}

func TestWebSandboxTool_SubdomainsAllowed(t *testing.T) {
	tool := NewWebSandboxTool([]string{"example.com"}, time.Second, 1<<20)

	if !tool.domainAllowed("example.com") {
		t.Fatal("exact domain rejected")
	}
	if !tool.domainAllowed("api.example.com") {
		t.Fatal("subdomain rejected")
	}
	if tool.domainAllowed("notexample.com") {
		t.Fatal("suffix-spoof domain allowed")
	}
}

func TestWebSandboxTool_RejectsPrivateAddresses(t *testing.T) {
	tool := NewWebSandboxTool([]string{"internal.test"}, time.Second, 1<<20)
	tool.lookupIP = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.0.0.5")}, nil
	}

	res := tool.fetch(context.Background(), "http://internal.test/admin")
	if res.Success {
		t.Fatal("fetch resolving to a private address succeeded")
	}
}

func TestWebSandboxTool_RejectsLiteralLoopback(t *testing.T) {
	tool := NewWebSandboxTool([]string{"127.0.0.1", "localhost"}, time.Second, 1<<20)
	tool.lookupIP = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("127.0.0.1")}, nil
	}

	for _, target := range []string{"http://127.0.0.1/", "http://localhost/"} {
		if res := tool.fetch(context.Background(), target); res.Success {
			t.Fatalf("fetch of %s succeeded", target)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestWebSandboxTool_FetchesAndCapsBody(t *testing.T) {
	tool := NewWebSandboxTool([]string{"example.com"}, time.Second, 64)
	// Keep the test off the network: resolve to a public address and answer
	// the request from a stubbed transport.
	tool.lookupIP = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	var gotURL string
	tool.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(strings.Repeat("0123456789", 100))),
			Request:    r,
		}, nil
	})

	res := tool.fetch(context.Background(), "https://files.example.com/data")
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Error)
	}
	if gotURL != "https://files.example.com/data" {
		t.Fatalf("request url = %q", gotURL)
	}
	body, _ := res.Output["body"].(string)
	if len(body) != 64 {
		t.Fatalf("body not capped: %d bytes", len(body))
	}
	if status, _ := res.Output["status"].(int); status != http.StatusOK {
		t.Fatalf("status = %v", res.Output["status"])
	}
}
