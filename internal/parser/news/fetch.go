package news

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/archive"
	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
)

var (
	errRobotsDenied = errors.New("denied by robots.txt")
	errHostBlocked  = errors.New("host blocked")
)

type page struct {
	statusCode int
	body       []byte
	finalURL   string
}

func newBaseCollector(cfg Config) *colly.Collector {
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	// Monitoring revisits the same pages every run; robots enforcement and
	// dedup are handled outside the collector.
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)
	return base
}

// fetchPage retrieves one page politely: blocklist and robots checks, the
// per-host rate budget, one backoff retry on 429 and dynamic 403 blocking.
// A 200 response is archived and, for render-flagged sources that look like
// a JS shell, promoted to the headless renderer.
func (p *Parser) fetchPage(ctx context.Context, rawURL string, render bool) (page, error) {
	host := hostOf(rawURL)
	if p.blocker.IsBlocked(host) {
		return page{}, errHostBlocked
	}
	if !p.robots.Allowed(ctx, rawURL) {
		return page{}, errRobotsDenied
	}

	pg, err := p.fetchWithBackoff(ctx, rawURL)
	if err != nil {
		return page{}, err
	}
	metrics.ObserveFetch(rawURL, strconv.Itoa(pg.statusCode), len(pg.body))

	if pg.statusCode == http.StatusForbidden {
		if p.blocker.MarkForbidden(host) {
			p.logger.Warn("host blocked after repeated 403", zap.String("host", host))
		}
		return pg, nil
	}
	if pg.statusCode != http.StatusOK {
		return pg, nil
	}

	if render && p.shouldRender(pg) {
		if rendered, renderErr := p.renderer.Render(ctx, rawURL); renderErr != nil {
			p.logger.Warn("headless render failed; keeping static page",
				zap.String("url", rawURL), zap.Error(renderErr))
		} else if rendered.StatusCode == 0 || rendered.StatusCode == http.StatusOK {
			pg = page{statusCode: http.StatusOK, body: rendered.Body, finalURL: rendered.FinalURL}
			metrics.ObserveFetch(rawURL, "rendered", len(pg.body))
		}
	}

	p.archivePage(ctx, rawURL, pg.body)
	return pg, nil
}

func (p *Parser) fetchWithBackoff(ctx context.Context, rawURL string) (page, error) {
	pg, err := p.fetchStatic(ctx, rawURL)
	if err != nil {
		return page{}, err
	}
	if pg.statusCode != http.StatusTooManyRequests {
		return pg, nil
	}
	p.logger.Debug("origin rate limited; backing off",
		zap.String("url", rawURL), zap.Duration("pause", p.cfg.RateLimitPause))
	parser.Pause(ctx, p.cfg.RateLimitPause)
	if ctx.Err() != nil {
		return page{}, ctx.Err()
	}
	return p.fetchStatic(ctx, rawURL)
}

func (p *Parser) fetchStatic(ctx context.Context, rawURL string) (page, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, rawURL); err != nil {
			return page{}, err
		}
	}

	collector := p.base.Clone()
	resultCh := make(chan pageResult, 1)
	send := func(res pageResult) {
		select {
		case resultCh <- res:
		default:
		}
	}

	collector.OnResponse(func(r *colly.Response) {
		send(pageResult{page: page{
			statusCode: r.StatusCode,
			body:       append([]byte{}, r.Body...),
			finalURL:   r.Request.URL.String(),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			send(pageResult{page: page{
				statusCode: r.StatusCode,
				body:       append([]byte{}, r.Body...),
				finalURL:   r.Request.URL.String(),
			}})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(pageResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return page{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return page{}, err
		}
		return res.page, res.err
	default:
		return page{}, errors.New("fetch produced no result")
	}
}

type pageResult struct {
	page page
	err  error
}

func (p *Parser) shouldRender(pg page) bool {
	if p.renderer == nil || p.detector == nil {
		return false
	}
	return p.detector.ShouldRender(pg.statusCode, pg.body)
}

func (p *Parser) archivePage(ctx context.Context, rawURL string, body []byte) {
	if p.archive == nil || len(body) == 0 {
		return
	}
	key := archive.ObjectPath(p.cfg.ArchivePrefix, "news", rawURL, p.clock.Now(), ".html")
	if _, err := p.archive.PutObject(ctx, key, "text/html", body); err != nil {
		p.logger.Warn("archive page failed", zap.String("url", rawURL), zap.Error(err))
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
