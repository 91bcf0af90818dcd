package proxy

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/Mirocow/lampatv-proxy/internal/config"
	applog "github.com/Mirocow/lampatv-proxy/internal/log"
)

// playlistURLPattern matches both absolute URLs and root-relative paths
// inside a playlist line, stopping at whitespace, quotes and commas so that
// URI attributes inside #EXT-X tags are caught too.
var playlistURLPattern = regexp.MustCompile(`https?://[^\s"',]+|/[^\s"',]*`)

// PlaylistRewriter rewrites every URL reference in an HLS playlist into a
// self-referring /enc2 URL so segment and key fetches come back through the
// proxy.
type PlaylistRewriter struct {
	cfg *config.Config
}

func NewPlaylistRewriter(cfg *config.Config) *PlaylistRewriter {
	return &PlaylistRewriter{cfg: cfg}
}

// Rewrite transforms the playlist body fetched from sourceURL. scheme and
// host describe how the client reached us and become the prefix of every
// rewritten reference; configured overrides win over the request values.
func (rw *PlaylistRewriter) Rewrite(body, sourceURL, scheme, host string) string {
	base, err := url.Parse(sourceURL)
	if err != nil {
		applog.Warnf("playlist-rewriter", "unparseable source URL %q: %v", sourceURL, err)
		return body
	}
	if rw.cfg.OurScheme != "" {
		scheme = rw.cfg.OurScheme
	}
	if rw.cfg.OurDomain != "" {
		host = rw.cfg.OurDomain
	}
	prefix := scheme + "://" + host + "/enc2/"

	return playlistURLPattern.ReplaceAllStringFunc(body, func(match string) string {
		absolute := match
		if strings.HasPrefix(match, "/") {
			ref, perr := url.Parse(match)
			if perr != nil {
				return match
			}
			absolute = base.ResolveReference(ref).String()
		}
		// Already self-referring entries are left alone so a replayed
		// playlist is not double wrapped.
		if target, terr := url.Parse(absolute); terr == nil && target.Host == host {
			return match
		}
		return prefix + EncodeBase64URL(absolute)
	})
}
