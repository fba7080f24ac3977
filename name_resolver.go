package dl

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/url"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const sniffBytes = 2048

// resolveName produces a safe, non-empty filename for a URL, following
// the precedence chain of spec §4.2: Content-Disposition name (already
// on info, if the HEAD response carried one) -> URL path segment (only
// if it already has an extension) -> content-sniffed magic bytes -> the
// literal fallback "download". The winning candidate is sanitized exactly
// once, whichever branch produced it.
func resolveName(ctx context.Context, t Transport, rawURL string, info DownloadInfo) string {
	if info.Name != "" {
		return sanitizeFilename(info.Name)
	}

	segment := pathSegmentName(rawURL)
	if segment != "" && hasExtension(segment) {
		return sanitizeFilename(segment)
	}

	if ext := sniffExtension(ctx, t, rawURL); ext != "" {
		if segment != "" {
			return sanitizeFilename(segment + "." + ext)
		}
		return sanitizeFilename(randomToken() + "." + ext)
	}

	return "download"
}

// pathSegmentName returns the last non-empty, percent-decoded path
// segment of rawURL, or "" if there is none.
func pathSegmentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	segment := path.Base(u.Path)
	if segment == "" || segment == "/" || segment == "." {
		return ""
	}

	decoded, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return decoded
}

func hasExtension(name string) bool {
	ext := path.Ext(name)
	return ext != "" && ext != "." && ext != name
}

// sniffExtension reads up to sniffBytes from the start of the resource
// and returns the extension (without a leading dot) a magic-number
// sniffer detects, or "" if none.
func sniffExtension(ctx context.Context, t Transport, rawURL string) string {
	if t == nil {
		return ""
	}

	body, err := t.StreamRange(ctx, rawURL, Range{Lo: 0, Hi: sniffBytes - 1})
	if err != nil {
		return ""
	}
	defer body.Close()

	buf := make([]byte, sniffBytes)
	n, _ := io.ReadFull(body, buf)
	if n == 0 {
		return ""
	}

	mtype := mimetype.Detect(buf[:n])
	ext := strings.TrimPrefix(mtype.Extension(), ".")
	return ext
}

// randomToken returns a random uint32 rendered in decimal (no zero
// padding), per spec §4.2's "{random_u32}.{ext}" fallback naming.
func randomToken() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0"
	}
	return itoa(binary.BigEndian.Uint32(b[:]))
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// reservedDeviceNames are the Windows reserved device names; sanitizing
// against them keeps the destination path portable even on POSIX hosts
// writing to a mounted SMB/exFAT share.
var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

const maxFilenameLen = 255

// sanitizeFilename strips path separators and control characters, trims
// leading and trailing dots and whitespace, prefixes reserved device names
// with "_", and truncates to maxFilenameLen bytes on a UTF-8 boundary while
// preserving the extension where possible. It is idempotent:
// sanitizeFilename(sanitizeFilename(s)) == sanitizeFilename(s).
func sanitizeFilename(name string) string {
	trimEdge := func(r rune) bool { return r == '.' || unicode.IsSpace(r) }
	name = strings.TrimSpace(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			continue
		case r < 0x20 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
	}
	name = strings.TrimFunc(b.String(), trimEdge)

	if name == "" {
		return "download"
	}

	base := strings.TrimSuffix(name, path.Ext(name))
	if reservedDeviceNames[strings.ToUpper(base)] {
		name = "_" + name
	}

	if len(name) > maxFilenameLen {
		ext := path.Ext(name)
		if len(ext) >= maxFilenameLen {
			ext = ""
		}
		cut := maxFilenameLen - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
		if ext == "" {
			name = strings.TrimRightFunc(name, trimEdge)
		}
		name += ext
	}

	return name
}
