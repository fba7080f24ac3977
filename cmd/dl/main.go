package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"

	"github.com/kbroder/dl"
)

func main() {
	cfg := loadConfig()

	outputPtr := flag.String("output", "", "destination path or directory")
	timeoutPtr := flag.Int("timeout", cfg.timeoutSecs, "per-request timeout in seconds")
	boostPtr := flag.Int("boost", cfg.boost, "max concurrent range fetches per URL")
	maxNoRetriesPtr := flag.Int("max-no-retries", cfg.maxNoRetries, "max retry attempts per request")
	retryDelaySecsPtr := flag.Int("retry-delay-secs", cfg.retryDelaySecs, "max backoff delay between retries, in seconds")
	usernamePtr := flag.String("username", "", "HTTP Basic Auth username")
	passwordPtr := flag.String("password", "", "HTTP Basic Auth password (falls back to DL_PASSWORD env var)")
	maxRedirectsPtr := flag.Int("max-redirects", cfg.maxRedirects, "max redirects to follow")
	proxyURLPtr := flag.String("proxy-url", "", "HTTP(S) proxy URL")
	requestHeadersPtr := flag.String("request-headers", "", `extra request headers, "k1:v1,k2:v2"`)
	httpCookiesPtr := flag.String("http-cookies", "", "Cookie header value")
	httpVersionPtr := flag.String("http-version", cfg.httpVersion, "HTTP version to request")
	chunkSizePtr := flag.Int("chunk-size", cfg.chunkSize, "network read buffer size in bytes")
	resumePtr := flag.Bool("resume", true, "resume interrupted downloads (default: true)")
	noResumePtr := flag.Bool("no-resume", false, "disable auto-resume")
	quietPtr := flag.Bool("q", false, "log errors only")
	verbosePtr := flag.Int("v", 0, "log verbosity: 1=info, 2=debug, 3=debug+source")

	flag.Parse()

	log := newLogger(*quietPtr, *verbosePtr)
	slog.SetDefault(log)

	if *boostPtr < 1 {
		fmt.Fprintln(os.Stderr, "boost must be greater than 0")
		os.Exit(1)
	}

	password := *passwordPtr
	if password == "" {
		password = os.Getenv("DL_PASSWORD")
	}

	var basicAuth *dl.BasicAuth
	if *usernamePtr != "" {
		basicAuth = &dl.BasicAuth{User: *usernamePtr, Secret: password}
	}

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "no download URL(s) provided")
		os.Exit(1)
	}
	for i, u := range urls {
		if !strings.Contains(u, "://") {
			urls[i] = "https://" + u
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigc
		log.Warn("received signal, cancelling downloads", "signal", sig.String())
		cancel()
	}()

	transport, err := dl.NewHTTPTransport(dl.TransportConfig{
		Timeout:        time.Duration(*timeoutPtr) * time.Second,
		MaxRedirects:   *maxRedirectsPtr,
		ProxyURL:       *proxyURLPtr,
		Headers:        parseRequestHeaders(*requestHeadersPtr),
		Cookies:        *httpCookiesPtr,
		BasicAuth:      basicAuth,
		MaxNoRetries:   *maxNoRetriesPtr,
		RetryDelaySecs: *retryDelaySecsPtr,
		HTTPVersion:    *httpVersionPtr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building transport: %v\n", err)
		os.Exit(1)
	}

	runner := dl.NewBulkRunner(dl.RunnerConfig{
		OutputPath:       *outputPtr,
		Resume:           *resumePtr && !*noResumePtr,
		MaxParts:         *boostPtr,
		MinPartMB:        dl.DefaultMinPartMB,
		ChunkSize:        *chunkSizePtr,
		FleetConcurrency: dl.DefaultFleetConcurrency,
		Transport:        transport,
		Log:              log,
		NewTracker: func(url string) dl.Tracker {
			return newProgressBarReporter(url)
		},
	})

	results := runner.Run(ctx, urls)

	exitCode := 0
	for _, resp := range results {
		switch resp.Status {
		case dl.StatusSuccess:
			fmt.Printf("Downloaded %s -> %s (%s)\n", resp.URL, resp.Path, humanize.IBytes(resp.Size))
		default:
			exitCode = 1
			if errors.Is(resp.Err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "%s: cancelled\n", resp.URL)
				continue
			}
			fmt.Fprintf(os.Stderr, "%s: failed: %v\n", resp.URL, resp.Err)
		}
	}

	os.Exit(exitCode)
}

// newLogger builds the CLI's slog.Logger over a tint console handler,
// mapping -q and -v N (N = 1, 2, 3) to a level per SPEC_FULL.md §2.
func newLogger(quiet bool, verbosity int) *slog.Logger {
	level := slog.LevelWarn
	addSource := false

	switch {
	case quiet:
		level = slog.LevelError
	case verbosity >= 3:
		level = slog.LevelDebug
		addSource = true
	case verbosity >= 2:
		level = slog.LevelDebug
	case verbosity >= 1:
		level = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  addSource,
	})
	return slog.New(handler)
}
