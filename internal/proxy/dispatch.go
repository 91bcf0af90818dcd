package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
)

// largeRangedBodyThreshold is the size above which a ranged response with an
// unrecognized content type is still treated as video.
const largeRangedBodyThreshold = 1_000_000

// ContentClass is the routing decision for a probed target.
type ContentClass string

const (
	ClassVideo    ContentClass = "video"
	ClassPlaylist ContentClass = "playlist"
	ClassGeneric  ContentClass = "generic"
)

// playlistContentTypes are the media types that mark an HLS playlist.
var playlistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/x-mpegurl",
	"audio/mpegurl",
}

// playlistBodyMarkers are sniffed in the probe body sample, case
// insensitively.
var playlistBodyMarkers = []string{
	"#extm3u",
	"#ext-x-version:",
	"#extinf:",
	"#ext-x-targetduration:",
}

// Dispatcher probes targets and decides which processor serves them.
type Dispatcher struct {
	cfg    *config.Config
	prober *Prober
}

func NewDispatcher(cfg *config.Config, prober *Prober) *Dispatcher {
	return &Dispatcher{cfg: cfg, prober: prober}
}

// Classify probes the target and decides how it should be served. Only GET
// requests probe; every other method goes straight to the generic processor.
func (d *Dispatcher) Classify(ctx context.Context, method, target string, headers http.Header) (ContentClass, ContentInfo) {
	if method != http.MethodGet {
		return ClassGeneric, ContentInfo{}
	}

	info := d.prober.ContentInfo(ctx, target, headers, true)

	if d.isPlaylist(info) {
		return ClassPlaylist, info
	}
	if d.isVideo(target, info) {
		return ClassVideo, info
	}
	return ClassGeneric, info
}

// isVideoURL checks the target path against the configured extension and
// pattern lists.
func (d *Dispatcher) isVideoURL(target string) bool {
	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}
	lowerPath := strings.ToLower(parsed.Path)
	for _, ext := range d.cfg.VideoExtensions {
		if strings.HasSuffix(lowerPath, ext) {
			return true
		}
	}
	lowerTarget := strings.ToLower(target)
	for _, pattern := range d.cfg.VideoPatterns {
		if strings.Contains(lowerTarget, pattern) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) isPlaylist(info ContentInfo) bool {
	contentType := strings.ToLower(info.ContentType)
	for _, candidate := range playlistContentTypes {
		if strings.Contains(contentType, candidate) {
			return true
		}
	}

	sample := strings.ToLower(string(info.BodySample))
	for _, marker := range playlistBodyMarkers {
		if strings.Contains(sample, marker) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) isVideo(target string, info ContentInfo) bool {
	if !d.isVideoURL(target) {
		return false
	}

	contentType := strings.ToLower(info.ContentType)
	for _, indicator := range d.cfg.VideoIndicators {
		if strings.Contains(contentType, indicator) {
			return true
		}
	}
	if strings.Contains(contentType, "application/octet-stream") {
		return true
	}
	if info.ContentLength > largeRangedBodyThreshold &&
		strings.EqualFold(info.AcceptRanges, "bytes") {
		applog.Infof("dispatcher",
			"treating %s as video by size heuristic (length=%d, type=%q)",
			target, info.ContentLength, info.ContentType)
		return true
	}
	return false
}
