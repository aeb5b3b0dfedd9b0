// Package telegram implements the messaging parser for public Telegram
// channels. It scrapes the t.me/s/<handle> preview pages, which expose
// recent messages as server-rendered HTML without requiring API credentials.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/archive"
	systemclock "github.com/baikalmedia/tourism-monitor/internal/clock/system"
	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
	"github.com/baikalmedia/tourism-monitor/internal/policy/ratelimit"
)

const (
	defaultBaseURL      = "https://t.me"
	defaultUserAgent    = "Mozilla/5.0 (compatible; tourism-monitor/1.0)"
	defaultTimeout      = 15 * time.Second
	defaultMaxPages     = 3
	defaultMinBodyRunes = 100

	pageBodyLimit = 5 << 20
)

// Config controls the Telegram parser. Zero values fall back to defaults.
type Config struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	MaxPages      int
	MinBodyRunes  int
	ArchivePrefix string
}

// Deps are optional collaborators injected at wiring time.
type Deps struct {
	Limiter *ratelimit.Limiter
	Archive monitor.BlobStore
	Clock   monitor.Clock
}

// Parser harvests messages from public Telegram channel previews.
type Parser struct {
	cfg     Config
	logger  *zap.Logger
	client  *http.Client
	limiter *ratelimit.Limiter
	archive monitor.BlobStore
	clock   monitor.Clock
}

// New builds a Telegram Parser.
func New(cfg Config, logger *zap.Logger, deps Deps) *Parser {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MinBodyRunes <= 0 {
		cfg.MinBodyRunes = defaultMinBodyRunes
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemclock.New()
	}
	return &Parser{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: deps.Limiter,
		archive: deps.Archive,
		clock:   clock,
	}
}

// Fetch pages backwards through the channel preview and returns messages
// with ids strictly greater than the cursor, the id of the newest message
// seen. Preview pages list messages oldest first; paging uses ?before= with
// the smallest id of the previous page.
func (p *Parser) Fetch(ctx context.Context, src monitor.Source, since monitor.Cursor) (monitor.FetchResult, error) {
	handle, err := channelHandle(src.URL)
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("channel handle from %q: %w", src.URL, err)
	}

	sinceID := parseIDCursor(since)
	res := monitor.FetchResult{Cursor: since}
	maxID := sinceID

	before := int64(0)
	for pageN := 0; pageN < p.cfg.MaxPages; pageN++ {
		if err := ctx.Err(); err != nil {
			return monitor.FetchResult{}, err
		}
		pageURL := p.cfg.BaseURL + "/s/" + handle
		if before > 0 {
			pageURL += "?before=" + strconv.FormatInt(before, 10)
		}

		doc, err := p.fetchPreview(ctx, src, pageURL)
		if err != nil {
			return monitor.FetchResult{}, fmt.Errorf("fetch channel %s: %w", handle, err)
		}

		messages := doc.Find("div.tgme_widget_message")
		if messages.Length() == 0 {
			break
		}

		crossed := false
		minID := int64(0)
		messages.Each(func(_ int, sel *goquery.Selection) {
			id, ok := messageID(sel)
			if !ok {
				res.Malformed++
				return
			}
			if minID == 0 || id < minID {
				minID = id
			}
			if id <= sinceID {
				crossed = true
				return
			}
			item, ok := p.messageItem(src, handle, id, sel)
			if !ok {
				res.Malformed++
				return
			}
			res.Items = append(res.Items, item)
			if id > maxID {
				maxID = id
			}
		})

		if crossed || minID == 0 || minID == before {
			break
		}
		before = minID
	}

	if maxID > sinceID {
		res.Cursor = monitor.Cursor(strconv.FormatInt(maxID, 10))
	}
	p.logger.Debug("channel harvested",
		zap.String("channel", handle),
		zap.Int("items", len(res.Items)),
		zap.Int("malformed", res.Malformed))
	return res, nil
}

// Comments returns an empty result: channel previews do not expose the
// discussion-group replies attached to a message.
func (p *Parser) Comments(_ context.Context, _ monitor.Source, _ string) (monitor.FetchResult, error) {
	return monitor.FetchResult{}, nil
}

func (p *Parser) fetchPreview(ctx context.Context, src monitor.Source, pageURL string) (*goquery.Document, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, pageURL); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %w", pageURL, monitor.ErrSourceUnavailable, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, pageBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", pageURL, monitor.ErrSourceUnavailable, err)
	}
	metrics.ObserveFetch(pageURL, strconv.Itoa(resp.StatusCode), len(body))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d: %w", pageURL, resp.StatusCode, monitor.ErrSourceUnavailable)
	}

	if p.archive != nil {
		key := archive.ObjectPath(p.cfg.ArchivePrefix, string(src.Type), pageURL, p.clock.Now(), ".html")
		if _, err := p.archive.PutObject(ctx, key, "text/html", body); err != nil {
			p.logger.Warn("archive preview failed", zap.String("url", pageURL), zap.Error(err))
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w: %w", pageURL, monitor.ErrSourceUnavailable, err)
	}
	return doc, nil
}

func (p *Parser) messageItem(src monitor.Source, handle string, id int64, sel *goquery.Selection) (monitor.Item, bool) {
	text := parser.CleanText(sel.Find(".tgme_widget_message_text").First().Text())
	if utf8.RuneCountInString(text) < p.cfg.MinBodyRunes {
		return monitor.Item{}, false
	}
	item := monitor.Item{
		SourceID:   src.ID,
		Kind:       monitor.KindPost,
		ExternalID: strconv.FormatInt(id, 10),
		Body:       text,
		URL:        fmt.Sprintf("https://t.me/%s/%d", handle, id),
		Views:      parseCompactCount(sel.Find(".tgme_widget_message_views").First().Text()),
		Likes:      reactionTotal(sel),
	}
	if dt, ok := sel.Find("time").First().Attr("datetime"); ok {
		if ts, err := time.Parse(time.RFC3339, dt); err == nil {
			item.Published = &ts
		}
	}
	return item, true
}

// messageID extracts the numeric message id from the data-post attribute,
// shaped like "handle/1234".
func messageID(sel *goquery.Selection) (int64, bool) {
	post, ok := sel.Attr("data-post")
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(post, '?'); i >= 0 {
		post = post[:i]
	}
	idx := strings.LastIndexByte(post, '/')
	if idx < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(post[idx+1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// reactionTotal sums the counters of every reaction badge on a message.
func reactionTotal(sel *goquery.Selection) int {
	total := 0
	sel.Find(".tgme_widget_message_reaction").Each(func(_ int, r *goquery.Selection) {
		fields := strings.Fields(r.Text())
		if len(fields) == 0 {
			return
		}
		total += parseCompactCount(fields[len(fields)-1])
	})
	return total
}

// parseCompactCount reads the abbreviated counters preview pages show,
// like "845", "1.2K" or "3M".
func parseCompactCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1e3
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1e6
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || v < 0 {
		return 0
	}
	return int(v * mult)
}

func parseIDCursor(c monitor.Cursor) int64 {
	if c == "" {
		return 0
	}
	id, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// channelHandle pulls the channel name out of a t.me URL, accepting both
// the /s/<handle> preview form and the bare /<handle> form.
func channelHandle(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for _, seg := range segs {
		if seg == "" || seg == "s" {
			continue
		}
		return seg, nil
	}
	return "", fmt.Errorf("no channel in path %q", u.Path)
}

var _ monitor.Parser = (*Parser)(nil)
