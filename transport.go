package dl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cognusion/go-timings"
	"github.com/eapache/go-resiliency/retrier"
)

const (
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	userAgent           = "dl/2.0"
)

// BasicAuth is an HTTP Basic Authentication credential pair.
type BasicAuth struct {
	User   string
	Secret string
}

// TransportConfig holds the per-run configuration enumerated in spec §4.1.
type TransportConfig struct {
	Timeout        time.Duration
	MaxRedirects   int
	ProxyURL       string
	Headers        map[string]string
	Cookies        string
	BasicAuth      *BasicAuth
	MaxNoRetries   int
	RetryDelaySecs int
	HTTPVersion    string

	// TimingsOut receives go-timings instrumentation for head/stream
	// calls; nil discards them.
	TimingsOut *log.Logger
}

// Transport abstracts a byte-range-capable origin (spec §4.1). Retries
// transient failures internally; a non-nil error returned from any method
// here is either terminal or has already exhausted its retry budget.
type Transport interface {
	Head(ctx context.Context, rawURL string) (DownloadInfo, error)
	StreamRange(ctx context.Context, rawURL string, r Range) (io.ReadCloser, error)
	StreamFull(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// httpTransport is the default Transport, backed by net/http and an
// exponential-backoff retrier bounded per spec §4.1:
// [1s, max(2, retry_delay_secs)], with at most max_no_retries retries
// after the first attempt.
type httpTransport struct {
	client *http.Client
	cfg    TransportConfig
}

// NewHTTPTransport builds the default Transport from cfg.
func NewHTTPTransport(cfg TransportConfig) (Transport, error) {
	if cfg.MaxNoRetries <= 0 {
		cfg.MaxNoRetries = 10
	}
	if cfg.RetryDelaySecs <= 0 {
		cfg.RetryDelaySecs = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.TimingsOut == nil {
		cfg.TimingsOut = log.New(io.Discard, "", 0)
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   false,
		DisableCompression:  true,
	}

	if strings.TrimSpace(cfg.HTTPVersion) != "" && cfg.HTTPVersion != "1.1" {
		cfg.TimingsOut.Printf("http-version %q unsupported, downgrading to 1.1", cfg.HTTPVersion)
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, newError(KindValidate, "transport.new", fmt.Errorf("invalid proxy url: %w", err))
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if cfg.MaxRedirects > 0 && len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &httpTransport{client: client, cfg: cfg}, nil
}

func (t *httpTransport) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, newError(KindValidate, "transport.request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if t.cfg.Cookies != "" {
		req.Header.Set("Cookie", t.cfg.Cookies)
	}
	if t.cfg.BasicAuth != nil {
		req.SetBasicAuth(t.cfg.BasicAuth.User, t.cfg.BasicAuth.Secret)
	}
	return req, nil
}

// retrierFor builds a go-resiliency Retrier with the bounded exponential
// backoff schedule of spec §4.1 and a classifier that treats dl.Error's
// own Transient() verdict as ground truth.
func (t *httpTransport) retrierFor() *retrier.Retrier {
	maxDelay := time.Duration(t.cfg.RetryDelaySecs) * time.Second
	if maxDelay < 2*time.Second {
		maxDelay = 2 * time.Second
	}
	return retrier.New(boundedExponentialBackoff(t.cfg.MaxNoRetries, time.Second, maxDelay), transientClassifier{})
}

// boundedExponentialBackoff returns attempts delays doubling from base,
// capped at max.
func boundedExponentialBackoff(attempts int, base, max time.Duration) []time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delays := make([]time.Duration, attempts)
	d := base
	for i := range delays {
		if d > max {
			d = max
		}
		delays[i] = d
		d *= 2
	}
	return delays
}

type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	}
	var de *Error
	if ok := asDLError(err, &de); ok && de.Transient() {
		return retrier.Retry
	}
	return retrier.Fail
}

func (t *httpTransport) Head(ctx context.Context, rawURL string) (DownloadInfo, error) {
	defer timings.Track(fmt.Sprintf("head %s", rawURL), time.Now(), t.cfg.TimingsOut)

	var info DownloadInfo
	var finalURL string

	err := t.retrierFor().Run(func() error {
		req, err := t.newRequest(ctx, http.MethodHead, rawURL)
		if err != nil {
			return err
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return classifyDoErr(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return newStatusError("transport.head", resp.StatusCode, fmt.Errorf("status %s", resp.Status))
		}

		finalURL = resp.Request.URL.String()
		info = parseDownloadInfo(resp, finalURL)
		return nil
	})
	if err != nil {
		return DownloadInfo{}, err
	}
	return info, nil
}

func (t *httpTransport) StreamRange(ctx context.Context, rawURL string, r Range) (io.ReadCloser, error) {
	defer timings.Track(fmt.Sprintf("range %d-%d %s", r.Lo, r.Hi, rawURL), time.Now(), t.cfg.TimingsOut)

	var body io.ReadCloser
	err := t.retrierFor().Run(func() error {
		req, err := t.newRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Lo, r.Hi))

		resp, err := t.client.Do(req)
		if err != nil {
			return classifyDoErr(err)
		}

		switch resp.StatusCode {
		case http.StatusPartialContent:
			body = resp.Body
			return nil
		case http.StatusOK:
			// Open Question #1 (SPEC_FULL.md §6): the server ignored our
			// Range header and sent the whole body. Writing that at r.Lo
			// would corrupt the file, so this is terminal, not transient.
			resp.Body.Close()
			return newStatusError("transport.range", resp.StatusCode,
				fmt.Errorf("server ignored Range header, returned 200"))
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout,
			http.StatusInternalServerError:
			resp.Body.Close()
			return newStatusError("transport.range", resp.StatusCode, fmt.Errorf("status %s", resp.Status))
		default:
			resp.Body.Close()
			return &Error{Kind: KindNetworkStatus, Op: "transport.range", Status: resp.StatusCode,
				Err: fmt.Errorf("status %s", resp.Status)}
		}
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (t *httpTransport) StreamFull(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	defer timings.Track(fmt.Sprintf("full %s", rawURL), time.Now(), t.cfg.TimingsOut)

	var body io.ReadCloser
	err := t.retrierFor().Run(func() error {
		req, err := t.newRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return err
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return classifyDoErr(err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return newStatusError("transport.full", resp.StatusCode, fmt.Errorf("status %s", resp.Status))
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// classifyDoErr turns a raw net/http client error into a taxonomy error,
// distinguishing timeouts and caller cancellation (not retried) from
// other connect failures where possible.
func classifyDoErr(err error) error {
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return newError(KindNetworkTimeout, "transport.do", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindCancelled, "transport.do", err)
	}
	return newError(KindNetworkConnect, "transport.do", err)
}

// asDLError is errors.As for *Error, kept as a tiny helper so
// transientClassifier reads cleanly.
func asDLError(err error, target **Error) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// parseDownloadInfo extracts DownloadInfo from a HEAD response per
// spec §3/§4.1: Content-Disposition (quoted/unquoted filename= and RFC
// 5987 filename*=), Content-Length (absent or non-numeric -> no size),
// Content-Type.
func parseDownloadInfo(resp *http.Response, finalURL string) DownloadInfo {
	info := DownloadInfo{
		URL:         finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now(),
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseUint(cl, 10, 64); err == nil && n > 0 {
			info.Size = n
			info.HasSize = true
		}
	}

	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if name := parseContentDispositionFilename(cd); name != "" {
			info.Name = name
		}
	}

	return info
}

// parseContentDispositionFilename handles both the common
// filename="foo.zip" form and the RFC 5987 extended form, e.g.
// filename*=UTF-8 then two single quotes then foo%20bar.zip, preferring
// the extended form when both are present since it carries the encoding.
func parseContentDispositionFilename(cd string) string {
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}

	if ext, ok := params["filename*"]; ok {
		if name := decodeExtValue(ext); name != "" {
			return name
		}
	}

	return params["filename"]
}

// decodeExtValue decodes an RFC 5987 ext-value: charset'lang'pct-encoded.
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return ""
	}
	decoded, err := url.QueryUnescape(strings.ReplaceAll(parts[2], "+", "%2B"))
	if err != nil {
		return ""
	}
	return decoded
}
