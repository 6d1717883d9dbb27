package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var webFetchSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

// WebSandboxTool fetches URLs from an allow-listed set of domains. Hosts that
// resolve to private or loopback addresses are refused even when the domain is
// allowed, closing the DNS-rebinding hole.
type WebSandboxTool struct {
	allowedDomains []string
	maxBodyBytes   int64
	client         *http.Client
	lookupIP       func(host string) ([]net.IP, error)
}

func NewWebSandboxTool(allowedDomains []string, timeout time.Duration, maxBodyBytes int64) *WebSandboxTool {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebSandboxTool{
		allowedDomains: allowedDomains,
		maxBodyBytes:   maxBodyBytes,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		lookupIP: net.LookupIP,
	}
}

func (t *WebSandboxTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web_sandbox",
		Description: "Fetch pages from allow-listed domains.",
		Actions: map[string]ActionSpec{
			"fetch": {Description: "HTTP GET an allow-listed URL and return the body.", Schema: webFetchSchema},
		},
	}
}

func (t *WebSandboxTool) Execute(ctx context.Context, action string, params map[string]any, inv Invocation) Result {
	return Run(t.Descriptor(), action, params, func() Result {
		rawURL, _ := params["url"].(string)
		return t.fetch(ctx, rawURL)
	})
}

func (t *WebSandboxTool) fetch(ctx context.Context, rawURL string) Result {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fail("invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fail("scheme %q not allowed", parsed.Scheme)
	}
	host := parsed.Hostname()
	if !t.domainAllowed(host) {
		return fail("domain %q not in allow list", host)
	}
	if err := t.checkAddress(host); err != nil {
		return fail("%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail("build request: %v", err)
	}
	req.Header.Set("User-Agent", "dockbrain/0.1")

	resp, err := t.client.Do(req)
	if err != nil {
		return fail("fetch: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes))
	if err != nil {
		return fail("read body: %v", err)
	}
	return ok(map[string]any{
		"url":    rawURL,
		"status": resp.StatusCode,
		"body":   string(body),
	})
}

func (t *WebSandboxTool) domainAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range t.allowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// checkAddress resolves the host and rejects private, loopback, link-local,
// and unspecified addresses.
func (t *WebSandboxTool) checkAddress(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return fmt.Errorf("address %s is not routable", ip)
		}
		return nil
	}
	ips, err := t.lookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %s", host)
	}
	for _, ip := range ips {
		if isForbiddenIP(ip) {
			return fmt.Errorf("%s resolves to non-routable address %s", host, ip)
		}
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
