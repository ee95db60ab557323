// Package validator checks a newly submitted source before it may enter a
// pilot: reachability, robots.txt compliance, submitter authority and the
// relevance of sample content.
package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/funding-intake/internal/config"
	"github.com/sells-group/funding-intake/internal/metrics"
	"github.com/sells-group/funding-intake/internal/model"
	"github.com/sells-group/funding-intake/internal/relevance"
	"github.com/sells-group/funding-intake/internal/resilience"
)

// Validator runs the submission checks. It is safe for concurrent use.
type Validator struct {
	cfg     config.ValidatorConfig
	client  *http.Client
	scorer  relevance.Scorer
	guard   *resilience.Guard
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHost  rate.Limit
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// WithHostRate caps fetches per second against any single host.
func WithHostRate(perSecond float64) Option {
	return func(v *Validator) { v.perHost = rate.Limit(perSecond) }
}

// New creates a Validator. scorer may be nil, in which case the sample
// relevance check always fails.
func New(cfg config.ValidatorConfig, scorer relevance.Scorer, guard *resilience.Guard, m *metrics.Metrics, opts ...Option) *Validator {
	v := &Validator{
		cfg:      cfg,
		client:   &http.Client{},
		scorer:   scorer,
		guard:    guard,
		metrics:  m,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "validator")),
		limiters: make(map[string]*rate.Limiter),
		perHost:  rate.Inf,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs every check and scores the submission. A failing source is
// reported through the returned report, never as an error.
func (v *Validator) Validate(ctx context.Context, sub model.SourceSubmission) model.ValidationReport {
	checks := make([]model.CheckResult, 4)

	// Checks never fail the group; each records its own outcome.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks[0] = v.checkReachability(gctx, sub.URL)
		return nil
	})
	g.Go(func() error {
		checks[1] = v.checkRobots(gctx, sub.URL)
		return nil
	})
	g.Go(func() error {
		checks[2] = v.checkAuthority(sub)
		return nil
	})
	g.Go(func() error {
		checks[3] = v.checkSamples(gctx, sub.SampleURLs)
		return nil
	})
	_ = g.Wait()

	report := Decide(checks, v.cfg)
	report.ValidatedAt = v.now().UTC()
	v.metrics.ObserveValidation(string(report.Outcome))

	v.log.Info("source validated",
		zap.String("url", sub.URL),
		zap.Float64("score", report.Score),
		zap.String("outcome", string(report.Outcome)),
		zap.Any("failing", report.Failing),
	)
	return report
}

// Decide scores check results with the weights already attached to them and
// applies the approval thresholds. A hard failure can never auto-approve.
func Decide(checks []model.CheckResult, cfg config.ValidatorConfig) model.ValidationReport {
	var total, passed float64
	hardFail := false
	report := model.ValidationReport{Checks: checks}
	for _, c := range checks {
		total += c.Weight
		if c.Passed {
			passed += c.Weight
			continue
		}
		report.Failing = append(report.Failing, c.Name)
		if c.Hard {
			hardFail = true
		}
	}
	if total > 0 {
		report.Score = passed / total
	}

	switch {
	case report.Score >= cfg.ApproveScore && !hardFail:
		report.Outcome = model.ValidationApproved
	case report.Score >= cfg.ReviewScore:
		report.Outcome = model.ValidationManualReview
		report.Reason = "failing checks: " + joinChecks(report.Failing)
	default:
		report.Outcome = model.ValidationRejected
		report.Reason = rejectionReason(checks)
	}
	return report
}

func (v *Validator) checkReachability(ctx context.Context, raw string) model.CheckResult {
	res := model.CheckResult{Name: model.CheckReachability, Hard: true, Weight: v.cfg.Weights.Reachability}
	status, _, err := v.fetch(ctx, raw, 1024)
	switch {
	case err != nil:
		res.Note = err.Error()
	case status >= 400:
		res.Note = fmt.Sprintf("status %d", status)
	default:
		res.Passed = true
		res.Note = fmt.Sprintf("status %d", status)
	}
	return res
}

func (v *Validator) checkRobots(ctx context.Context, raw string) model.CheckResult {
	res := model.CheckResult{Name: model.CheckRobots, Hard: true, Weight: v.cfg.Weights.Robots}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		res.Note = "invalid source url"
		return res
	}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	status, body, err := v.fetch(ctx, robotsURL, 512*1024)
	if err != nil {
		res.Note = "robots.txt unreachable: " + err.Error()
		return res
	}
	// 4xx means no restrictions; 5xx means disallow everything.
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		res.Note = "robots.txt unparseable"
		return res
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !data.TestAgent(path, v.agentToken()) {
		res.Note = fmt.Sprintf("%s disallowed for %s", path, v.agentToken())
		return res
	}
	res.Passed = true
	res.Note = "allowed"
	return res
}

// checkAuthority compares the submitter's email domain against the claimed
// organization's site. It is a soft signal.
func (v *Validator) checkAuthority(sub model.SourceSubmission) model.CheckResult {
	res := model.CheckResult{Name: model.CheckAuthority, Weight: v.cfg.Weights.Authority}

	at := strings.LastIndex(sub.SubmitterEmail, "@")
	if at < 0 || at == len(sub.SubmitterEmail)-1 {
		res.Note = "no submitter email domain"
		return res
	}
	emailDomain := registrable(sub.SubmitterEmail[at+1:])

	site := sub.OrganizationURL
	if site == "" {
		site = sub.URL
	}
	u, err := url.Parse(site)
	if err != nil || u.Hostname() == "" {
		res.Note = "no organization site"
		return res
	}
	siteDomain := registrable(u.Hostname())

	if emailDomain != "" && emailDomain == siteDomain {
		res.Passed = true
		res.Note = "email domain matches " + siteDomain
		return res
	}
	res.Note = fmt.Sprintf("email domain %s does not match %s", emailDomain, siteDomain)
	return res
}

func (v *Validator) checkSamples(ctx context.Context, samples []string) model.CheckResult {
	res := model.CheckResult{Name: model.CheckSamples, Weight: v.cfg.Weights.Samples}
	if len(samples) == 0 {
		res.Note = "no sample urls provided"
		return res
	}
	if v.scorer == nil {
		res.Note = "no relevance scorer configured"
		return res
	}

	scores := make([]float64, len(samples))
	errs := make([]error, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range samples {
		g.Go(func() error {
			scores[i], errs[i] = v.scoreSample(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	var low []string
	for i, s := range samples {
		switch {
		case errs[i] != nil:
			low = append(low, fmt.Sprintf("%s (%v)", s, errs[i]))
		case scores[i] < v.cfg.SampleRelevanceFloor:
			low = append(low, fmt.Sprintf("%s (%.2f)", s, scores[i]))
		}
	}
	if len(low) > 0 {
		res.Note = "below relevance floor: " + strings.Join(low, ", ")
		return res
	}
	res.Passed = true
	res.Note = fmt.Sprintf("%d samples relevant", len(samples))
	return res
}

func (v *Validator) scoreSample(ctx context.Context, raw string) (float64, error) {
	status, body, err := v.fetch(ctx, raw, v.cfg.MaxSampleBytes)
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return 0, eris.Errorf("validator: sample returned status %d", status)
	}
	text := pageText(body)
	if text == "" {
		return 0, eris.New("validator: sample has no text")
	}
	return resilience.Call(ctx, v.guard, "relevance", v.timeout(), func(ctx context.Context) (float64, error) {
		return v.scorer.Score(ctx, text)
	})
}

// fetch GETs raw with the per-fetch timeout and reads at most limit bytes.
// A timeout is returned as an error, which callers treat as a check failure.
func (v *Validator) fetch(ctx context.Context, raw string, limit int64) (int, []byte, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return 0, nil, eris.Errorf("validator: invalid url %q", raw)
	}
	if err := v.limiter(u.Hostname()).Wait(ctx); err != nil {
		return 0, nil, eris.Wrap(err, "validator: rate limit")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return 0, nil, eris.Wrap(err, "validator: create request")
	}
	req.Header.Set("User-Agent", v.cfg.UserAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "validator: fetch %s", raw)
	}
	defer resp.Body.Close() //nolint:errcheck

	if limit <= 0 {
		limit = 64 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, nil, eris.Wrapf(err, "validator: read %s", raw)
	}
	return resp.StatusCode, body, nil
}

func (v *Validator) limiter(host string) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.limiters[host]
	if !ok {
		l = rate.NewLimiter(v.perHost, 1)
		v.limiters[host] = l
	}
	return l
}

func (v *Validator) timeout() time.Duration {
	if v.cfg.TimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(v.cfg.TimeoutSecs) * time.Second
}

// agentToken is the product token of the user agent, which is what
// robots.txt groups match against.
func (v *Validator) agentToken() string {
	ua := v.cfg.UserAgent
	if i := strings.IndexAny(ua, "/ "); i > 0 {
		ua = ua[:i]
	}
	if ua == "" {
		return "*"
	}
	return ua
}

// pageText returns the visible text of an HTML document, or the body as-is
// when it does not look like HTML.
func pageText(body []byte) string {
	s := string(body)
	if !strings.Contains(strings.ToLower(s[:min(len(s), 512)]), "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	var b strings.Builder
	collectText(&b, doc.Selection)
	return strings.Join(strings.Fields(b.String()), " ")
}

// blockElements break words apart; inline elements do not.
var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "form": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "header": true, "hr": true, "li": true, "main": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true, "td": true,
	"th": true, "title": true, "tr": true, "ul": true,
}

func collectText(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		if name == "#text" {
			b.WriteString(c.Text())
			return
		}
		block := blockElements[name]
		if block {
			b.WriteByte(' ')
		}
		collectText(b, c)
		if block {
			b.WriteByte(' ')
		}
	})
}

// registrable reduces a host to its registrable domain (eTLD+1).
func registrable(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

func joinChecks(names []model.CheckName) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func rejectionReason(checks []model.CheckResult) string {
	var parts []string
	for _, c := range checks {
		if !c.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", c.Name, c.Note))
		}
	}
	return strings.Join(parts, "; ")
}
