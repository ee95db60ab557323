package lifecycle

import (
	"net/url"
	"path"
	"strings"

	"github.com/sells-group/funding-intake/internal/model"
)

var socialHosts = map[string]bool{
	"twitter.com": true, "x.com": true, "linkedin.com": true, "facebook.com": true,
	"instagram.com": true, "mastodon.social": true, "bsky.app": true, "t.me": true,
}

// Classify guesses a source's classification from its URL. Anything that
// is not recognizably a feed, API, PDF or social profile is a page.
func Classify(raw string) model.Classification {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return model.ClassPage
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	p := strings.ToLower(u.Path)
	ext := path.Ext(p)

	switch {
	case socialHosts[host]:
		return model.ClassSocial
	case ext == ".pdf":
		return model.ClassPDF
	case ext == ".rss" || ext == ".atom" || ext == ".xml" ||
		strings.Contains(p, "/feed") || strings.Contains(p, "/rss") || u.Query().Get("format") == "rss":
		return model.ClassFeed
	case strings.HasPrefix(host, "api.") || strings.Contains(p, "/api/") || ext == ".json":
		return model.ClassAPI
	default:
		return model.ClassPage
	}
}
