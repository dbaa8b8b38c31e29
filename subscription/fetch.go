package subscription

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	defaultFetchTimeout = 25 * time.Second
	defaultMaxBodyBytes = 8 * 1024 * 1024
)

var ErrBodyTooLarge = errors.New("subscription body too large")

type Request struct {
	URL       string
	UserAgent string
	Headers   map[string]string
}

type Response struct {
	Body   []byte
	Header http.Header
}

// Fetcher retrieves a subscription body.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

type FetchOptions struct {
	Timeout time.Duration
	// SOCKS5 is an optional upstream proxy address, host:port.
	SOCKS5        string
	AllowInsecure bool
	TLS13Only     bool
	MaxBodyBytes  int64
	// MirrorPrefix is prepended to GitHub hosted links; the direct link is
	// tried when the mirror fails.
	MirrorPrefix string
}

type HTTPFetcher struct {
	client *http.Client
	opts   FetchOptions
}

func NewHTTPFetcher(opts FetchOptions) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	client, err := newFetchHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPFetcher{client: client, opts: opts}, nil
}

func newFetchHTTPClient(opts FetchOptions) (*http.Client, error) {
	dialTimeout := 8 * time.Second
	if opts.Timeout < dialTimeout {
		dialTimeout = opts.Timeout
	}
	if dialTimeout < 2*time.Second {
		dialTimeout = 2 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	dialContext := dialer.DialContext
	if addr := strings.TrimSpace(opts.SOCKS5); addr != "" {
		socks, err := proxy.SOCKS5("tcp", addr, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 upstream %s: %w", addr, err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 upstream %s: dialer has no context support", addr)
		}
		dialContext = contextDialer.DialContext
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: opts.AllowInsecure}
	if opts.TLS13Only {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	link := strings.TrimSpace(req.URL)
	if link == "" {
		return nil, fmt.Errorf("empty subscription link")
	}
	if path, ok := localPath(link); ok {
		return f.readFile(path)
	}

	candidates := requestURLCandidates(link, f.opts.MirrorPrefix)
	var lastErr error
	for idx, requestURL := range candidates {
		resp, err := f.fetchOnce(ctx, requestURL, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if idx+1 < len(candidates) {
			logrus.Debugf("[Subscription] %s failed, retry direct: %v", requestURL, err)
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, requestURL string, req Request) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if ua := strings.TrimSpace(req.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "gzip, zstd")
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	raw, err := readLimited(resp.Body, f.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(raw, resp.Header.Get("Content-Encoding"), f.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	return &Response{Body: body, Header: resp.Header}, nil
}

func (f *HTTPFetcher) readFile(path string) (*Response, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	raw, err := readLimited(file, f.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(raw, "", f.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	return &Response{Body: body, Header: header}, nil
}

func localPath(link string) (string, bool) {
	if strings.HasPrefix(link, "file://") {
		u, err := url.Parse(link)
		if err != nil {
			return strings.TrimPrefix(link, "file://"), true
		}
		return u.Path, true
	}
	if strings.Contains(link, "://") {
		return "", false
	}
	return link, true
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decodeBody undoes gzip or zstd compression announced by the server or
// recognised from the payload's magic bytes.
func decodeBody(raw []byte, encoding string, limit int64) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch {
	case encoding == "gzip" || bytes.HasPrefix(raw, gzipMagic):
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer reader.Close()
		return readLimited(reader, limit)
	case encoding == "zstd" || bytes.HasPrefix(raw, zstdMagic):
		decoder, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		defer decoder.Close()
		return readLimited(decoder, limit)
	default:
		return raw, nil
	}
}

// readLimited reads r fully and fails instead of truncating when it holds
// more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return raw, nil
}

func requestURLCandidates(rawURL, mirrorPrefix string) []string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil
	}
	mirrored := withGitHubMirror(rawURL, mirrorPrefix)
	if mirrored == "" || mirrored == rawURL {
		return []string{rawURL}
	}
	return []string{mirrored, rawURL}
}

func withGitHubMirror(rawURL, prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || (!strings.HasPrefix(prefix, "http://") && !strings.HasPrefix(prefix, "https://")) {
		return rawURL
	}
	prefix = strings.TrimRight(prefix, "/") + "/"
	if strings.HasPrefix(rawURL, prefix) {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	// the API host is reachable directly and mirrors tend to break it
	if host == "api.github.com" {
		return rawURL
	}
	if host == "github.com" || host == "raw.githubusercontent.com" ||
		strings.HasSuffix(host, ".github.com") || strings.HasSuffix(host, ".githubusercontent.com") {
		return prefix + rawURL
	}
	return rawURL
}
