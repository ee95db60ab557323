// Package fingerprint computes the matching keys for a candidate: a
// normalized URL key, a content hash and an optional embedding vector.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrEmptyContent is returned when both title and description are empty.
var ErrEmptyContent = eris.New("fingerprint: title and description are both empty")

// Error is a FingerprintError: the input cannot be fingerprinted.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return "fingerprint: " + e.Field + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Embedder turns normalized text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Input is the raw text the engine fingerprints.
type Input struct {
	URL          string
	Title        string
	Description  string
	Organization string
}

// Fingerprint is the set of matching keys for one candidate.
type Fingerprint struct {
	URLKey      string
	ContentHash string
	Embedding   []float32
	// EmbeddingErr is set when the embedder failed or timed out. The
	// fingerprint is still usable; semantic matching is skipped.
	EmbeddingErr error
}

// Engine computes fingerprints.
type Engine struct {
	embedder  Embedder
	timeout   time.Duration
	maxLength int
	log       *zap.Logger
}

// NewEngine creates an Engine. embedder may be nil, in which case no
// embeddings are produced.
func NewEngine(embedder Embedder, timeout time.Duration, maxLength int) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxLength <= 0 {
		maxLength = 512
	}
	return &Engine{
		embedder:  embedder,
		timeout:   timeout,
		maxLength: maxLength,
		log:       zap.L().With(zap.String("component", "fingerprint")),
	}
}

// Compute fingerprints in. It never fails because of the embedder.
func (e *Engine) Compute(ctx context.Context, in Input) (Fingerprint, error) {
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Description) == "" {
		return Fingerprint{}, &Error{Err: ErrEmptyContent}
	}

	var fp Fingerprint
	if in.URL != "" {
		key, err := NormalizeURL(in.URL)
		if err != nil {
			return Fingerprint{}, &Error{Field: "url", Err: err}
		}
		fp.URLKey = key
	}
	fp.ContentHash = ContentHash(in.Title, in.Description, in.Organization)

	if e.embedder == nil {
		fp.EmbeddingErr = eris.New("fingerprint: no embedder configured")
		return fp, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	vec, err := e.embedder.Embed(embedCtx, EmbeddingText(in, e.maxLength))
	if err != nil {
		e.log.Warn("embedding unavailable, semantic matching skipped",
			zap.String("url_key", fp.URLKey),
			zap.Error(err),
		)
		fp.EmbeddingErr = eris.Wrap(err, "fingerprint: embed")
		return fp, nil
	}
	if len(vec) == 0 {
		fp.EmbeddingErr = eris.New("fingerprint: embedder returned an empty vector")
		return fp, nil
	}
	fp.Embedding = vec
	return fp, nil
}

// trackingParams are query parameters that never change what a URL points at.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "dclid": true, "msclkid": true,
	"mc_cid": true, "mc_eid": true, "igshid": true, "_ga": true, "_gl": true,
	"ref": true, "ref_src": true, "yclid": true, "_hsenc": true, "_hsmi": true,
}

// NormalizeURL returns the URL key: scheme and host lowercased, default
// ports dropped, fragment dropped, tracking query params removed, remaining
// params sorted, trailing slash removed.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", eris.New("fingerprint: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrap(err, "fingerprint: parse url")
	}
	if u.Host == "" {
		return "", eris.Errorf("fingerprint: url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			q.Del(k)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qb strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if qb.Len() > 0 {
				qb.WriteByte('&')
			}
			qb.WriteString(url.QueryEscape(k))
			qb.WriteByte('=')
			qb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = qb.String()
	u.ForceQuery = false

	path := u.EscapedPath()
	path = strings.TrimRight(path, "/")
	u.RawPath = ""
	u.Path = ""

	key := u.Scheme + "://" + u.Host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key, nil
}

// NormalizeText applies NFKC, case folding and whitespace collapsing.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	// Casers carry state and cannot be shared across goroutines.
	s = cases.Fold().String(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// ContentHash is a stable SHA-256 over the normalized title, description and
// organization.
func ContentHash(title, description, organization string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(title)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeText(description)))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeText(organization)))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbeddingText is the text handed to the embedder: normalized title and
// description, truncated to maxRunes.
func EmbeddingText(in Input, maxRunes int) string {
	text := NormalizeText(in.Title)
	if d := NormalizeText(in.Description); d != "" {
		if text != "" {
			text += ". "
		}
		text += d
	}
	if maxRunes > 0 {
		r := []rune(text)
		if len(r) > maxRunes {
			text = string(r[:maxRunes])
		}
	}
	return text
}

// KeyVariants returns key plus the keys that differ from it only in scheme
// (http/https) or a leading "www." on the host. The first element is key
// itself.
func KeyVariants(key string) []string {
	rest, ok := strings.CutPrefix(key, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(key, "http://")
		if !ok {
			return []string{key}
		}
	}
	bare := strings.TrimPrefix(rest, "www.")
	out := []string{key}
	for _, scheme := range []string{"https://", "http://"} {
		for _, host := range []string{bare, "www." + bare} {
			if v := scheme + host; v != key {
				out = append(out, v)
			}
		}
	}
	return out
}
