// Package media downloads the source media referenced by a publish request.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/metrics"
	"github.com/blacktop/xpost/internal/xpost"
)

const (
	// MaxSize caps both the declared and the actual body length.
	MaxSize int64 = 500 << 20
	// Timeout bounds the whole download, body included.
	Timeout = 60 * time.Second

	defaultContentType = "application/octet-stream"
)

var errPrivateAddress = errors.New("private/local addresses are not allowed")

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Config customises a Fetcher. Zero values select the production defaults.
type Config struct {
	Client  *http.Client
	Lookup  LookupFunc
	MaxSize int64
	Timeout time.Duration
}

// Fetcher downloads media over HTTPS with SSRF, size and time guards.
type Fetcher struct {
	client  *http.Client
	lookup  LookupFunc
	maxSize int64
	timeout time.Duration
}

// NewFetcher returns a Fetcher using cfg.
func NewFetcher(cfg Config) *Fetcher {
	f := &Fetcher{
		client:  cfg.Client,
		lookup:  cfg.Lookup,
		maxSize: cfg.MaxSize,
		timeout: cfg.Timeout,
	}
	if f.client == nil {
		f.client = newGuardedClient()
	}
	if f.lookup == nil {
		f.lookup = net.DefaultResolver.LookupIPAddr
	}
	if f.maxSize <= 0 {
		f.maxSize = MaxSize
	}
	if f.timeout <= 0 {
		f.timeout = Timeout
	}
	return f
}

// Fetch downloads rawURL into memory. The wall-clock cap covers host
// resolution as well as the transfer.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*xpost.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target, err := f.validate(ctx, rawURL)
	if err != nil {
		metrics.MediaFetches.WithLabelValues("rejected").Inc()
		return nil, f.timedOut(ctx, rawURL, err)
	}

	media, err := f.download(ctx, target)
	if err != nil {
		metrics.MediaFetches.WithLabelValues("error").Inc()
		return nil, f.timedOut(ctx, rawURL, err)
	}

	metrics.MediaFetches.WithLabelValues("ok").Inc()
	metrics.MediaFetchBytes.Observe(float64(media.Size()))
	logutil.Debugf("media downloaded: url=%s bytes=%d content_type=%s", rawURL, media.Size(), media.ContentType)
	return media, nil
}

func (f *Fetcher) timedOut(ctx context.Context, rawURL string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xpost.FetchError{URL: rawURL, Reason: fmt.Sprintf("timed out after %s", f.timeout), Err: context.DeadlineExceeded}
	}
	return err
}

func (f *Fetcher) validate(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, xpost.FetchError{URL: rawURL, Reason: "invalid URL", Err: err}
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return nil, xpost.FetchError{URL: rawURL, Reason: "only HTTPS URLs are allowed"}
	}
	host := u.Hostname()
	if host == "" {
		return nil, xpost.FetchError{URL: rawURL, Reason: "missing host"}
	}
	if isBlockedHostname(host) {
		return nil, xpost.FetchError{URL: rawURL, Reason: errPrivateAddress.Error()}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return nil, xpost.FetchError{URL: rawURL, Reason: errPrivateAddress.Error()}
		}
		return u, nil
	}

	addrs, err := f.lookup(ctx, host)
	if err != nil {
		return nil, xpost.FetchError{URL: rawURL, Reason: "resolve host", Err: err}
	}
	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			return nil, xpost.FetchError{URL: rawURL, Reason: errPrivateAddress.Error()}
		}
	}
	return u, nil
}

func (f *Fetcher) download(ctx context.Context, target *url.URL) (*xpost.Media, error) {
	rawURL := target.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, xpost.FetchError{URL: rawURL, Reason: "build request", Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, xpost.FetchError{URL: rawURL, Reason: "download failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, xpost.FetchError{URL: rawURL, Reason: fmt.Sprintf("failed to download media: %s", resp.Status)}
	}
	if resp.ContentLength > f.maxSize {
		return nil, xpost.FetchError{URL: rawURL, Reason: fmt.Sprintf("file too large: %d bytes", resp.ContentLength)}
	}

	data, err := readAllWithLimit(resp.Body, f.maxSize)
	if err != nil {
		var tooLarge responseTooLargeError
		if errors.As(err, &tooLarge) {
			return nil, xpost.FetchError{URL: rawURL, Reason: fmt.Sprintf("downloaded file too large: more than %d bytes", f.maxSize)}
		}
		return nil, xpost.FetchError{URL: rawURL, Reason: "read body", Err: err}
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = defaultContentType
	}
	return &xpost.Media{Data: data, ContentType: contentType}, nil
}

type responseTooLargeError struct {
	Limit int64
}

func (e responseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, responseTooLargeError{Limit: limit}
	}
	return data, nil
}

func isBlockedHostname(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	switch host {
	case "localhost", "0.0.0.0":
		return true
	}
	for _, prefix := range []string{"127.", "10.", "172.", "192.168."} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// newGuardedClient re-checks every dialled address so a DNS answer that
// changes between validation and connect cannot reach a private network.
func newGuardedClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
				return errPrivateAddress
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			if !strings.EqualFold(req.URL.Scheme, "https") {
				return errors.New("redirect to non-HTTPS URL")
			}
			if isBlockedHostname(req.URL.Hostname()) {
				return errPrivateAddress
			}
			return nil
		},
	}
}
