package proxy

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// HandlerKind identifies the inbound path-encoding convention.
type HandlerKind string

const (
	HandlerEnc     HandlerKind = "enc"
	HandlerEnc1    HandlerKind = "enc1"
	HandlerEnc2    HandlerKind = "enc2"
	HandlerEnc3    HandlerKind = "enc3"
	HandlerLiteral HandlerKind = "literal"
)

var (
	absoluteURLPattern = regexp.MustCompile(`(?i)(https?://\S+)`)
	wrongSlashPattern  = regexp.MustCompile(`(?i)(https?:/)([^/])`)
)

// headerOverlayAllowList is the fixed set of header names that encoded
// "param" entries may override on the inbound request.
var headerOverlayAllowList = []string{
	"User-Agent", "Origin", "Referer", "Cookie", "Content-Type", "Accept",
	"x-csrf-token", "Sec-Fetch-Dest", "Sec-Fetch-Mode", "Sec-Fetch-Site",
	"Authorization", "Range",
}

// DecodedRequest is the outcome of path decoding: the reconstructed target
// URL plus the inbound headers with encoded overrides applied.
type DecodedRequest struct {
	Kind      HandlerKind
	TargetURL string
	Headers   http.Header
}

// DecodeBase64URL reverses the URL-safe base64 wrapping used by the enc*
// path conventions: percent-unescape, restore the standard alphabet, re-pad
// and decode. The result must be valid UTF-8.
func DecodeBase64URL(encoded string) (string, error) {
	// PathUnescape keeps '+' literal, matching the wrapping convention.
	unescaped, err := url.PathUnescape(encoded)
	if err != nil {
		return "", badRequestf("invalid URL escaping: %v", err)
	}

	normalized := strings.NewReplacer("-", "+", "_", "/").Replace(unescaped)
	if pad := len(normalized) % 4; pad != 0 {
		normalized += strings.Repeat("=", 4-pad)
	}

	raw, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return "", badRequestf("invalid base64 string: %v", err)
	}
	if !utf8.Valid(raw) {
		return "", badRequestf("invalid UTF-8 in decoded string")
	}
	return string(raw), nil
}

// EncodeBase64URL is the inverse of DecodeBase64URL: standard base64 with the
// URL-safe alphabet and padding stripped.
func EncodeBase64URL(s string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(s))
	encoded = strings.NewReplacer("+", "-", "/", "_").Replace(encoded)
	return strings.TrimRight(encoded, "=")
}

// ParseEncodedData splits a decoded payload into header/query overrides and
// the trailing URL segments. Tokens are walked left to right; every "param"
// token consumes its successor as a key=value pair, and the tail after the
// last consumed pair is the URL-segment list.
func ParseEncodedData(decoded string) (map[string]string, []string) {
	params := map[string]string{}
	if decoded == "" {
		return params, nil
	}

	parts := strings.Split(decoded, "/")
	tailStart := 0
	for i := 0; i < len(parts); {
		if parts[i] == "param" && i+1 < len(parts) {
			if key, value, ok := strings.Cut(parts[i+1], "="); ok {
				if unescaped, err := url.PathUnescape(value); err == nil {
					value = unescaped
				}
				params[key] = value
				i += 2
				tailStart = i
				continue
			}
		}
		i++
	}
	return params, parts[tailStart:]
}

// NormalizeURL repairs common URL mangling: duplicated schemes,
// protocol-relative prefixes, single-slash schemes and missing schemes.
func NormalizeURL(raw string) (string, error) {
	if raw == "" {
		return "", badRequestf("empty URL")
	}

	// Strip duplicated scheme prefixes (https://http://host -> http://host).
	schemes := []string{"https://", "http://"}
	for _, outer := range schemes {
		for _, inner := range schemes {
			if strings.HasPrefix(raw, outer+inner) {
				raw = raw[len(outer):]
				break
			}
		}
	}

	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	raw = wrongSlashPattern.ReplaceAllString(raw, "${1}/${2}")

	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return raw, nil
}

// BuildTargetURL assembles the absolute target URL from path segments and
// merges the caller's query parameters into it.
func BuildTargetURL(segments []string, query url.Values) (string, error) {
	if len(segments) == 0 {
		return "", badRequestf("no URL segments provided")
	}

	joined := strings.Join(segments, "/")
	if m := absoluteURLPattern.FindString(joined); m != "" {
		joined = m
	} else {
		normalized, err := NormalizeURL(joined)
		if err != nil {
			return "", err
		}
		joined = normalized
	}

	parsed, err := url.Parse(joined)
	if err != nil || parsed.Hostname() == "" {
		return "", badRequestf("invalid hostname in URL: %s", joined)
	}

	if len(query) > 0 {
		extra := query.Encode()
		if parsed.RawQuery != "" {
			parsed.RawQuery = parsed.RawQuery + "&" + extra
		} else {
			parsed.RawQuery = extra
		}
	}
	return parsed.String(), nil
}

// DecodeRequest parses the raw inbound path (without leading slash) into a
// target URL, applying the enc/enc1/enc2/enc3 conventions and the header
// overlay allow-list. headers is modified in place.
func DecodeRequest(path string, query url.Values, headers http.Header) (*DecodedRequest, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, badRequestf("empty request path")
	}

	kind := parseHandlerKind(segments[0])
	if kind == HandlerLiteral {
		target, err := BuildTargetURL([]string{path}, query)
		if err != nil {
			return nil, err
		}
		return &DecodedRequest{Kind: kind, TargetURL: target, Headers: headers}, nil
	}

	if len(segments) < 2 {
		return nil, badRequestf("invalid encoded request: not enough segments")
	}

	decoded, err := DecodeBase64URL(segments[1])
	if err != nil {
		return nil, err
	}
	encodedParams, urlSegments := ParseEncodedData(decoded)
	additional := segments[2:]

	var target string
	switch kind {
	case HandlerEnc, HandlerEnc1, HandlerEnc3:
		if len(additional) == 0 {
			return nil, badRequestf("no URL found in encoded data for %s", kind)
		}
		target, err = BuildTargetURL(additional, query)

	case HandlerEnc2:
		if len(urlSegments) == 0 {
			return nil, badRequestf("no URL found in encoded data for enc2")
		}
		// Remaining segments carry base64-encoded k=v&... query fragments;
		// undecodable segments are skipped.
		for _, segment := range additional {
			fragment, ferr := DecodeBase64URL(segment)
			if ferr != nil || fragment == "" {
				continue
			}
			for _, pair := range strings.Split(fragment, "&") {
				key, value, _ := strings.Cut(pair, "=")
				query.Set(key, value)
			}
		}
		target, err = BuildTargetURL(urlSegments, query)
	}
	if err != nil {
		return nil, err
	}

	for _, name := range headerOverlayAllowList {
		if value, ok := encodedParams[name]; ok {
			headers.Set(name, value)
		}
	}

	return &DecodedRequest{Kind: kind, TargetURL: target, Headers: headers}, nil
}

func parseHandlerKind(segment string) HandlerKind {
	switch segment {
	case "enc":
		return HandlerEnc
	case "enc1":
		return HandlerEnc1
	case "enc2":
		return HandlerEnc2
	case "enc3":
		return HandlerEnc3
	default:
		return HandlerLiteral
	}
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
