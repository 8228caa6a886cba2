// Package guard validates attacker-influenced message content before it is
// handed to a backend: URLs are screened against SSRF targets, inline base64
// payloads are checked for shape and size, and MIME types are resolved from
// whatever hints are available.
package guard

import (
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/msgcore/msgcore/internal/errs"
)

const (
	// DefaultMaxBytes caps decoded inline payloads when the caller does not
	// supply a platform-specific limit.
	DefaultMaxBytes int64 = 25 * 1024 * 1024

	// FallbackMimeType is returned when no MIME hint resolves.
	FallbackMimeType = "application/octet-stream"
)

// URLPurpose labels what a URL is about to be used for; it only affects
// error messages, never the verdict.
type URLPurpose string

const (
	PurposeAttachment URLPurpose = "attachment"
	PurposeEmbed      URLPurpose = "embed"
	PurposeButton     URLPurpose = "button"
)

var metadataHosts = map[string]struct{}{
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"100.100.100.200":          {},
}

// ValidateURL parses raw and rejects schemes other than http/https and hosts
// that resolve to loopback, private, or cloud-metadata address space.
// Checks run protocol first, then host classification; the first match wins
// and each category carries a distinct message.
func ValidateURL(raw string, purpose URLPurpose) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errs.NewError(errs.CodeInvalidURL, "%s url is empty", purpose)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return errs.WrapError(errs.CodeInvalidURL, err, "%s url is not parseable: %s", purpose, trimmed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return errs.NewError(errs.CodeInvalidURL, "%s url scheme %q is not allowed (http/https only)", purpose, parsed.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
	if host == "" {
		return errs.NewError(errs.CodeInvalidURL, "%s url has no host: %s", purpose, trimmed)
	}
	return classifyHost(host, purpose)
}

// ValidateHTTPSURL is ValidateURL restricted to the https scheme. Link
// buttons on some platforms refuse plain http.
func ValidateHTTPSURL(raw string, purpose URLPurpose) error {
	if err := ValidateURL(raw, purpose); err != nil {
		return err
	}
	parsed, _ := url.Parse(strings.TrimSpace(raw))
	if !strings.EqualFold(parsed.Scheme, "https") {
		return errs.NewError(errs.CodeInvalidURL, "%s url must use https: %s", purpose, raw)
	}
	return nil
}

// lookupIPAddr is swapped out in tests.
var lookupIPAddr = net.DefaultResolver.LookupIPAddr

// ValidateFetchURL screens raw like ValidateURL and then resolves non-literal
// hostnames, classifying every address they resolve to. Required before any
// URL is fetched by this process instead of being handed to the backend; a
// hostname pointing into private address space fails here, not after the
// request went out.
func ValidateFetchURL(ctx context.Context, raw string, purpose URLPurpose) error {
	if err := ValidateURL(raw, purpose); err != nil {
		return err
	}
	parsed, _ := url.Parse(strings.TrimSpace(raw))
	host := strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
	if net.ParseIP(host) != nil {
		return nil
	}
	addrs, err := lookupIPAddr(ctx, host)
	if err != nil {
		return errs.WrapError(errs.CodeInvalidURL, err, "%s url host %q did not resolve", purpose, host)
	}
	for _, addr := range addrs {
		if err := classifyIP(addr.IP, purpose); err != nil {
			return err
		}
	}
	return nil
}

// ReadAllLimit reads r to completion, failing with SizeExceeded once the
// content runs past limit. Use for local fetches where Content-Length cannot
// be trusted. Pass 0 to use DefaultMaxBytes.
func ReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errs.NewError(errs.CodeSizeExceeded, "content exceeds the %d byte limit", limit)
	}
	return data, nil
}

func classifyHost(host string, purpose URLPurpose) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errs.NewError(errs.CodeSSRFBlocked, "%s url blocked: localhost is not reachable", purpose)
	}
	if _, blocked := metadataHosts[host]; blocked {
		return errs.NewError(errs.CodeSSRFBlocked, "%s url blocked: cloud metadata endpoint", purpose)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname that is not a literal. ValidateFetchURL resolves these
		// before a local fetch; backend-fetched URLs resolve remotely.
		return nil
	}
	return classifyIP(ip, purpose)
}

func classifyIP(ip net.IP, purpose URLPurpose) error {
	switch {
	case ip.IsLoopback():
		return errs.NewError(errs.CodeSSRFBlocked, "%s url blocked: loopback address", purpose)
	case ip.IsUnspecified():
		return errs.NewError(errs.CodeSSRFBlocked, "%s url blocked: unspecified address", purpose)
	case isPrivateIPv4(ip):
		return errs.NewError(errs.CodeSSRFBlocked, "%s url blocked: private IP", purpose)
	case ip.Equal(net.ParseIP("169.254.169.254")):
		return errs.NewError(errs.CodeSSRFBlocked, "%s url blocked: cloud metadata endpoint", purpose)
	}
	return nil
}

// isPrivateIPv4 matches 10/8, 172.16/12 exactly, and 192.168/16.
// 172.15.x and 172.32.x stay routable.
func isPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

var (
	dataURIPrefix = regexp.MustCompile(`^data:([a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*)?(;[a-zA-Z0-9-]+=[^;,]*)*;base64,`)
	base64Body    = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)
	mimeShape     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*$`)
)

// ValidateBase64 checks that data is a well-formed base64 payload (an
// optional data-URI prefix is stripped first) and that its decoded size fits
// maxBytes. Pass 0 to use DefaultMaxBytes.
func ValidateBase64(data string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	body := strings.TrimSpace(data)
	if loc := dataURIPrefix.FindStringIndex(body); loc != nil {
		body = body[loc[1]:]
	}
	if body == "" {
		return errs.NewError(errs.CodeInvalidFormat, "base64 payload is empty")
	}
	if len(body)%4 != 0 || !base64Body.MatchString(body) {
		return errs.NewError(errs.CodeInvalidFormat, "payload is not valid base64")
	}
	decoded := int64(len(body)) * 3 / 4
	if decoded > maxBytes {
		return errs.NewError(errs.CodeSizeExceeded, "payload of %d bytes exceeds the %d byte limit", decoded, maxBytes)
	}
	return nil
}

// MimeHints carries everything DetectMimeType may consult, in precedence
// order: a caller-provided type, a data-URI prefix, then the filename or URL
// extension.
type MimeHints struct {
	URL      string
	Data     string
	Filename string
	Provided string
}

var extensionMimes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".json": "application/json",
	".xml":  "application/xml",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// DetectMimeType resolves a MIME type from the strongest available hint.
// An invalid provided type is ignored rather than rejected.
func DetectMimeType(hints MimeHints) string {
	provided := strings.TrimSpace(hints.Provided)
	if provided != "" && mimeShape.MatchString(provided) {
		return provided
	}
	if m := dataURIPrefix.FindStringSubmatch(strings.TrimSpace(hints.Data)); len(m) > 1 && m[1] != "" {
		return m[1]
	}
	if mime := mimeFromExtension(hints.Filename); mime != "" {
		return mime
	}
	if mime := mimeFromExtension(urlPath(hints.URL)); mime != "" {
		return mime
	}
	return FallbackMimeType
}

func urlPath(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return parsed.Path
}

func mimeFromExtension(name string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	if ext == "" {
		return ""
	}
	return extensionMimes[ext]
}

// DecodedSize returns the decoded byte count of a base64 body, after
// stripping any data-URI prefix.
func DecodedSize(data string) int64 {
	body := strings.TrimSpace(data)
	if loc := dataURIPrefix.FindStringIndex(body); loc != nil {
		body = body[loc[1]:]
	}
	return int64(len(body)) * 3 / 4
}

// StripDataURI removes a data-URI prefix, returning the raw base64 body.
func StripDataURI(data string) string {
	body := strings.TrimSpace(data)
	if loc := dataURIPrefix.FindStringIndex(body); loc != nil {
		return body[loc[1]:]
	}
	return body
}
