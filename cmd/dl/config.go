package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kbroder/dl"
)

// config holds the defaults ~/.dlrc overrides, which flag parsing then
// overrides again. Kept as the teacher's simple key=value reader; no
// YAML/TOML library is pulled in for a handful of scalar defaults.
type config struct {
	boost          int
	timeoutSecs    int
	maxNoRetries   int
	retryDelaySecs int
	maxRedirects   int
	httpVersion    string
	chunkSize      int
}

func loadConfig() config {
	cfg := config{
		boost:          dl.DefaultMaxParts,
		timeoutSecs:    60,
		maxNoRetries:   10,
		retryDelaySecs: 10,
		maxRedirects:   10,
		httpVersion:    "1.1",
		chunkSize:      128 * 1024,
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg
	}

	configPath := filepath.Join(home, ".dlrc")
	file, err := os.Open(configPath)
	if err != nil {
		return cfg
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "boost":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				cfg.boost = v
			}
		case "timeout":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				cfg.timeoutSecs = v
			}
		case "max-no-retries":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				cfg.maxNoRetries = v
			}
		case "retry-delay-secs":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				cfg.retryDelaySecs = v
			}
		case "max-redirects":
			if v, err := strconv.Atoi(value); err == nil && v >= 0 {
				cfg.maxRedirects = v
			}
		case "http-version":
			cfg.httpVersion = value
		case "chunk-size":
			if v, err := strconv.Atoi(value); err == nil && v > 0 {
				cfg.chunkSize = v
			}
		}
	}

	return cfg
}

// parseRequestHeaders parses the --request-headers "k1:v1,k2:v2" flag
// value into a header map.
func parseRequestHeaders(raw string) map[string]string {
	headers := map[string]string{}
	if raw == "" {
		return headers
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return headers
}
