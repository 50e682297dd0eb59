// Package traffic implements spec §4.J's binCraft fetch-decode pipeline
// and the /traffic HTTP surface.
//
// The multi-mirror-with-backoff fetch shape and the proxy-aware transport
// builder below are adapted from the teacher's OpenSky FetchOpenSkyData /
// buildHTTPClient; the OpenSky-specific request/cache logic is replaced
// with binCraft's try-base-urls-in-order semantics (spec §4.J,
// original_source/rust-api/src/traffic.rs's fetch_bincraft/
// fetch_adsbx_traffic).
package traffic

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/approachradar/backend/internal/byteio"
	"github.com/approachradar/backend/internal/monitoring"
)

const (
	requestTimeoutMs   = 5500
	userAgentString    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	contentTypeZstdSig = "application/zstd"
)

var (
	// HTTP client/proxy configuration.
	proxyOverride string
	clientMu      sync.Mutex
	httpClient    *http.Client
)

// SetProxy sets a CLI-provided proxy URL (overrides environment). Empty disables override.
func SetProxy(p string) {
	clientMu.Lock()
	defer clientMu.Unlock()
	proxyOverride = strings.TrimSpace(p)
	// reset client to rebuild with new proxy settings on next use
	httpClient = nil
}

// noProxyMatch reports whether host should bypass proxy according to NO_PROXY/no_proxy env.
func noProxyMatch(host string) bool {
	if host == "" {
		return false
	}
	noProxy := os.Getenv("NO_PROXY")
	if noProxy == "" {
		noProxy = os.Getenv("no_proxy")
	}
	if noProxy == "" {
		return false
	}
	host = strings.ToLower(host)
	for _, token := range strings.Split(noProxy, ",") {
		t := strings.ToLower(strings.TrimSpace(token))
		if t == "" {
			continue
		}
		if t == "*" {
			return true
		}
		if h, _, err := net.SplitHostPort(t); err == nil {
			t = h
		}
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if strings.HasPrefix(t, ".") {
			if strings.HasSuffix(host, t) || host == strings.TrimPrefix(t, ".") {
				return true
			}
			continue
		}
		if host == t || strings.HasSuffix(host, "."+t) {
			return true
		}
	}
	return false
}

// buildHTTPClient builds (once) an HTTP client honoring CLI proxy override and environment proxies.
func buildHTTPClient(target string) *http.Client {
	clientMu.Lock()
	defer clientMu.Unlock()
	if httpClient != nil {
		return httpClient
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	source := "none"
	mode := "direct"
	bypass := false

	thost := ""
	if u, err := url.Parse(target); err == nil {
		thost = u.Hostname()
	}

	if proxyOverride != "" {
		source = "cli"
		purl, err := url.Parse(proxyOverride)
		if err == nil && purl.Host != "" {
			bypass = noProxyMatch(thost)
			if !bypass {
				mode = strings.ToLower(purl.Scheme)
				fixed := purl
				tr.Proxy = func(req *http.Request) (*url.URL, error) {
					if noProxyMatch(req.URL.Hostname()) {
						return nil, nil
					}
					return fixed, nil
				}
			}
		}
	} else {
		source = "env"
		tr.Proxy = http.ProxyFromEnvironment
		if req, _ := http.NewRequest("GET", target, nil); req != nil {
			if purl, _ := http.ProxyFromEnvironment(req); purl != nil {
				mode = strings.ToLower(purl.Scheme)
			}
		}
	}

	httpClient = &http.Client{Transport: tr, Timeout: requestTimeoutMs * time.Millisecond}
	monitoring.Debugf("traffic http_client configured source=%s mode=%s bypass=%t", source, mode, bypass)
	return httpClient
}

// Client returns the shared, proxy-aware HTTP client used for both the
// binCraft fetch and the trace-history fetch, built lazily against the
// given reference URL.
func Client(referenceURL string) *http.Client {
	return buildHTTPClient(referenceURL)
}

func buildFetchHeaders(req *http.Request, baseURL string) {
	req.Header.Set("User-Agent", userAgentString)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", baseURL)
	req.Header.Set("Referer", baseURL+"/")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-site")
}

// FetchBinCraft tries baseURL then each of fallbackBaseURLs in order,
// returning the first decoded, decompressed payload whose response is a
// 2xx with a Content-Type containing "application/zstd" (spec §4.J).
func FetchBinCraft(ctx context.Context, baseURL string, fallbackBaseURLs []string) ([]byte, error) {
	candidates := make([]string, 0, 1+len(fallbackBaseURLs))
	if baseURL != "" {
		candidates = append(candidates, baseURL)
	}
	candidates = append(candidates, fallbackBaseURLs...)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("traffic: no base URLs configured")
	}

	var errs []string
	for _, base := range candidates {
		data, err := fetchFromHost(ctx, base)
		if err == nil {
			return data, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", base, err))
	}
	return nil, fmt.Errorf("traffic: all binCraft candidates failed: %s", strings.Join(errs, "; "))
}

func fetchFromHost(ctx context.Context, baseURL string) ([]byte, error) {
	target := strings.TrimRight(baseURL, "/") + "/data/aircraft.binCraft"
	client := buildHTTPClient(target)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeoutMs*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	buildFetchHeaders(req, baseURL)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	dur := time.Since(start)
	monitoring.Debugf("traffic bincraft request url=%s status=%d duration=%s body_len=%d", target, resp.StatusCode, dur, len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, contentTypeZstdSig) {
		return nil, fmt.Errorf("unexpected content-type %q", ct)
	}

	return byteio.ZstdDecodeAll(body)
}
