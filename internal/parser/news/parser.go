// Package news implements the selector-driven news site parser. Each
// concrete site is a configuration instance: base URL plus CSS selectors for
// the article list, link, title, body and date.
package news

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	systemclock "github.com/baikalmedia/tourism-monitor/internal/clock/system"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
	"github.com/baikalmedia/tourism-monitor/internal/policy/ratelimit"
)

const (
	defaultUserAgent    = "Mozilla/5.0 (compatible; tourism-monitor/1.0)"
	defaultTimeout      = 15 * time.Second
	defaultMaxArticles  = 80
	defaultMinBodyRunes = 100
	defaultRateLimit    = 5 * time.Second

	// Short external ids keep the natural key compact while staying
	// collision-safe for a per-source namespace.
	externalIDLen = 16

	bodyParagraphFallback = 10
)

// Config controls the news parser. Zero values fall back to defaults.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	MaxArticles        int
	MinBodyRunes       int
	RespectRobots      bool
	ForbiddenThreshold int
	BlockedHosts       []string
	RateLimitPause     time.Duration
	ArchivePrefix      string
	Location           *time.Location
}

// Deps are the collaborators injected at wiring time. Limiter, Robots,
// Renderer, Detector, Archive and Clock are optional; Hasher is required.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Robots   RobotsPolicy
	Renderer monitor.Renderer
	Detector monitor.RenderDetector
	Hasher   monitor.Hasher
	Archive  monitor.BlobStore
	Clock    monitor.Clock
}

// Parser fetches articles from selector-configured news sites.
type Parser struct {
	cfg      Config
	logger   *zap.Logger
	limiter  *ratelimit.Limiter
	robots   RobotsPolicy
	renderer monitor.Renderer
	detector monitor.RenderDetector
	hasher   monitor.Hasher
	archive  monitor.BlobStore
	clock    monitor.Clock
	blocker  *hostBlocker
	base     *colly.Collector
}

// New builds a news Parser.
func New(cfg Config, logger *zap.Logger, deps Deps) (*Parser, error) {
	if deps.Hasher == nil {
		return nil, fmt.Errorf("news parser requires a hasher")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = defaultMaxArticles
	}
	if cfg.MinBodyRunes <= 0 {
		cfg.MinBodyRunes = defaultMinBodyRunes
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = defaultRateLimit
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	robots := deps.Robots
	if robots == nil {
		robots = NewRobotsPolicy(cfg.RespectRobots, cfg.UserAgent, logger)
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemclock.New()
	}
	return &Parser{
		cfg:      cfg,
		logger:   logger,
		limiter:  deps.Limiter,
		robots:   robots,
		renderer: deps.Renderer,
		detector: deps.Detector,
		hasher:   deps.Hasher,
		archive:  deps.Archive,
		clock:    clock,
		blocker:  newHostBlocker(cfg.BlockedHosts, cfg.ForbiddenThreshold),
		base:     newBaseCollector(cfg),
	}, nil
}

// Fetch loads the source's section page, follows article links and returns
// the articles published strictly after the cursor. The new cursor is the
// newest publication time seen; articles without a parseable date are always
// included and never move the cursor.
func (p *Parser) Fetch(ctx context.Context, src monitor.Source, since monitor.Cursor) (monitor.FetchResult, error) {
	sinceTime, _ := time.Parse(time.RFC3339, string(since))

	listPage, err := p.fetchPage(ctx, src.URL, src.Render)
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("fetch section %s: %w: %w", src.URL, monitor.ErrSourceUnavailable, err)
	}
	if listPage.statusCode != http.StatusOK {
		return monitor.FetchResult{}, fmt.Errorf("fetch section %s: status %d: %w",
			src.URL, listPage.statusCode, monitor.ErrSourceUnavailable)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(listPage.body))
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("parse section %s: %w: %w", src.URL, monitor.ErrSourceUnavailable, err)
	}

	links := p.extractLinks(doc, src)
	p.logger.Debug("article links found",
		zap.String("source", src.Name), zap.Int("count", len(links)))

	res := monitor.FetchResult{Cursor: since}
	maxPublished := sinceTime
	for _, link := range links {
		if ctx.Err() != nil {
			return monitor.FetchResult{}, fmt.Errorf("fetch articles: %w", ctx.Err())
		}
		item, ok := p.fetchArticle(ctx, src, link, &res)
		if !ok {
			continue
		}
		if item.Published != nil && !item.Published.After(sinceTime) {
			continue
		}
		res.Items = append(res.Items, item)
		if item.Published != nil && item.Published.After(maxPublished) {
			maxPublished = *item.Published
		}
	}
	if maxPublished.After(sinceTime) {
		res.Cursor = monitor.Cursor(maxPublished.Format(time.RFC3339))
	}
	return res, nil
}

// Comments returns an empty result: the monitored news sites load comments
// through third-party widgets that expose nothing to scrape.
func (p *Parser) Comments(context.Context, monitor.Source, string) (monitor.FetchResult, error) {
	return monitor.FetchResult{}, nil
}

// extractLinks pulls article links out of the section page, normalized and
// deduplicated, bounded by MaxArticles.
func (p *Parser) extractLinks(doc *goquery.Document, src monitor.Source) []string {
	baseURL, err := url.Parse(src.URL)
	if err != nil {
		return nil
	}
	linkSel := src.Selectors.Link
	if linkSel == "" {
		linkSel = "a"
	}
	var scope *goquery.Selection
	if src.Selectors.List != "" {
		scope = doc.Find(src.Selectors.List).Find(linkSel)
	} else {
		scope = doc.Find(linkSel)
	}

	seen := make(map[string]struct{})
	var links []string
	scope.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		resolved := baseURL.ResolveReference(ref).String()
		normalized, err := parser.NormalizeURL(resolved)
		if err != nil || normalized == src.URL {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return len(links) < p.cfg.MaxArticles
	})
	return links
}

// fetchArticle loads one article page and folds it into an item. Pages that
// cannot be fetched or decoded count as malformed; pages skipped by robots
// or host blocking are not items at all and count nothing.
func (p *Parser) fetchArticle(ctx context.Context, src monitor.Source, link string, res *monitor.FetchResult) (monitor.Item, bool) {
	pg, err := p.fetchPage(ctx, link, src.Render)
	switch {
	case errors.Is(err, errRobotsDenied) || errors.Is(err, errHostBlocked):
		p.logger.Debug("article skipped", zap.String("url", link), zap.Error(err))
		return monitor.Item{}, false
	case err != nil:
		p.logger.Debug("article fetch failed", zap.String("url", link), zap.Error(err))
		res.Malformed++
		return monitor.Item{}, false
	case pg.statusCode != http.StatusOK:
		p.logger.Debug("article fetch non-ok",
			zap.String("url", link), zap.Int("status", pg.statusCode))
		res.Malformed++
		return monitor.Item{}, false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.body))
	if err != nil {
		res.Malformed++
		return monitor.Item{}, false
	}

	title := parser.CleanText(selectorText(doc, src.Selectors.Title))
	if title == "" {
		p.logger.Debug("article without title", zap.String("url", link))
		res.Malformed++
		return monitor.Item{}, false
	}

	body := p.extractBody(doc, src)
	if body == "" {
		body = title
	}
	if utf8.RuneCountInString(body) < p.cfg.MinBodyRunes {
		res.Malformed++
		return monitor.Item{}, false
	}

	externalID, err := p.externalID(link)
	if err != nil {
		res.Malformed++
		return monitor.Item{}, false
	}

	return monitor.Item{
		SourceID:   src.ID,
		Kind:       monitor.KindPost,
		ExternalID: externalID,
		Title:      title,
		Body:       body,
		URL:        link,
		Published:  p.extractDate(doc, src),
	}, true
}

func (p *Parser) extractBody(doc *goquery.Document, src monitor.Source) string {
	if src.Selectors.Body != "" {
		if body := parser.CleanText(doc.Find(src.Selectors.Body).Text()); body != "" {
			return body
		}
	}
	var parts []string
	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if text := parser.CleanText(sel.Text()); text != "" {
			parts = append(parts, text)
		}
		return len(parts) < bodyParagraphFallback
	})
	return strings.Join(parts, " ")
}

func (p *Parser) extractDate(doc *goquery.Document, src monitor.Source) *time.Time {
	if src.Selectors.Date == "" {
		return nil
	}
	sel := doc.Find(src.Selectors.Date).First()
	if sel.Length() == 0 {
		return nil
	}
	raw, ok := sel.Attr("datetime")
	if !ok || raw == "" {
		raw, ok = sel.Attr("content")
	}
	if !ok || raw == "" {
		raw = sel.Text()
	}
	t, ok := parser.ParseDate(parser.CleanText(raw), p.cfg.Location)
	if !ok {
		return nil
	}
	return &t
}

func (p *Parser) externalID(normalizedURL string) (string, error) {
	digest, err := p.hasher.Hash([]byte(normalizedURL))
	if err != nil {
		return "", err
	}
	if len(digest) > externalIDLen {
		digest = digest[:externalIDLen]
	}
	return digest, nil
}

// selectorText returns the first match's content attribute (meta tags) or
// its text.
func selectorText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if content, ok := sel.Attr("content"); ok && content != "" {
		return content
	}
	return sel.Text()
}

var _ monitor.Parser = (*Parser)(nil)
