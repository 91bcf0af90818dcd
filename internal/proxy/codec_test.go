package proxy

import (
	"net/http"
	"net/url"
	"testing"
)

func TestBase64URLRoundTrip(t *testing.T) {
	cases := []string{
		"https://example.com/video.mp4",
		"param/User-Agent=test/https:/example.com",
		"a",
		"",
		"кириллица/пример",
	}
	for _, in := range cases {
		encoded := EncodeBase64URL(in)
		decoded, err := DecodeBase64URL(encoded)
		if err != nil {
			t.Fatalf("DecodeBase64URL(%q): %v", encoded, err)
		}
		if decoded != in {
			t.Errorf("round trip mismatch: got %q want %q", decoded, in)
		}
	}
}

func TestDecodeBase64URLRejectsGarbage(t *testing.T) {
	if _, err := DecodeBase64URL("!!!not-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://http://example.com/x", "http://example.com/x"},
		{"http://https://example.com/x", "https://example.com/x"},
		{"//cdn.example.com/seg.ts", "https://cdn.example.com/seg.ts"},
		{"https:/example.com/x", "https://example.com/x"},
		{"example.com/x", "https://example.com/x"},
		{"http://example.com/x", "http://example.com/x"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeURLEmpty(t *testing.T) {
	if _, err := NormalizeURL(""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestParseEncodedData(t *testing.T) {
	params, tail := ParseEncodedData("param/User-Agent=lampa/param/Referer=https%3A%2F%2Fx.tv/https:/example.com/video.mp4")
	if params["User-Agent"] != "lampa" {
		t.Errorf("User-Agent = %q", params["User-Agent"])
	}
	if params["Referer"] != "https://x.tv" {
		t.Errorf("Referer = %q", params["Referer"])
	}
	want := []string{"https:", "example.com", "video.mp4"}
	if len(tail) != len(want) {
		t.Fatalf("tail = %v, want %v", tail, want)
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("tail[%d] = %q, want %q", i, tail[i], want[i])
		}
	}
}

func TestBuildTargetURLMergesQuery(t *testing.T) {
	query := url.Values{"token": {"abc"}}
	got, err := BuildTargetURL([]string{"https:", "example.com", "v"}, query)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := url.Parse(got)
	if parsed.Host != "example.com" || parsed.Query().Get("token") != "abc" {
		t.Errorf("unexpected target: %q", got)
	}
}

func TestDecodeRequestLiteral(t *testing.T) {
	decoded, err := DecodeRequest("https://example.com/api/data", url.Values{}, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != HandlerLiteral {
		t.Errorf("kind = %q", decoded.Kind)
	}
	if decoded.TargetURL != "https://example.com/api/data" {
		t.Errorf("target = %q", decoded.TargetURL)
	}
}

func TestDecodeRequestEnc2(t *testing.T) {
	target := "https://cdn.example.com/hls/seg1.ts?auth=1"
	path := "enc2/" + EncodeBase64URL(target)
	decoded, err := DecodeRequest(path, url.Values{}, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != HandlerEnc2 {
		t.Errorf("kind = %q", decoded.Kind)
	}
	if decoded.TargetURL != target {
		t.Errorf("target = %q, want %q", decoded.TargetURL, target)
	}
}

func TestDecodeRequestEnc2ExtraQueryFragments(t *testing.T) {
	target := "https://cdn.example.com/v"
	path := "enc2/" + EncodeBase64URL(target) + "/" + EncodeBase64URL("sig=xyz&exp=42")
	decoded, err := DecodeRequest(path, url.Values{}, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := url.Parse(decoded.TargetURL)
	if parsed.Query().Get("sig") != "xyz" || parsed.Query().Get("exp") != "42" {
		t.Errorf("query fragments not merged: %q", decoded.TargetURL)
	}
}

func TestDecodeRequestEncHeaderOverlay(t *testing.T) {
	payload := "param/User-Agent=custom-agent/param/secret=nope"
	path := "enc/" + EncodeBase64URL(payload) + "/https:/example.com/file.mp4"
	headers := http.Header{}
	headers.Set("User-Agent", "browser")

	decoded, err := DecodeRequest(path, url.Values{}, headers)
	if err != nil {
		t.Fatal(err)
	}
	if got := decoded.Headers.Get("User-Agent"); got != "custom-agent" {
		t.Errorf("User-Agent = %q, want overlay value", got)
	}
	// Names outside the allow-list never reach the headers.
	if got := decoded.Headers.Get("secret"); got != "" {
		t.Errorf("secret header leaked: %q", got)
	}
	if decoded.TargetURL != "https://example.com/file.mp4" {
		t.Errorf("target = %q", decoded.TargetURL)
	}
}

func TestDecodeRequestEncWithoutURLSegments(t *testing.T) {
	path := "enc/" + EncodeBase64URL("param/User-Agent=x")
	if _, err := DecodeRequest(path, url.Values{}, http.Header{}); err == nil {
		t.Fatal("expected error when enc carries no URL segments")
	}
}

func TestDecodeRequestEmptyPath(t *testing.T) {
	if _, err := DecodeRequest("", url.Values{}, http.Header{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
