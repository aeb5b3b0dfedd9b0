// Package vk implements the social parser for VK community walls through
// the public JSON API: wall.get paging for posts, wall.getComments per post
// and groups.getById for screen-name resolution.
package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/archive"
	systemclock "github.com/baikalmedia/tourism-monitor/internal/clock/system"
	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/parser"
	"github.com/baikalmedia/tourism-monitor/internal/policy/ratelimit"
)

const (
	defaultAPIBase         = "https://api.vk.com/method"
	defaultVersion         = "5.199"
	defaultPageSize        = 50
	defaultMaxPages        = 4
	defaultCommentPageSize = 100
	defaultMinBodyRunes    = 100
	defaultMinCommentRunes = 20
	defaultTimeout         = 15 * time.Second
	defaultRetryPause      = time.Second

	callAttempts      = 3
	responseBodyLimit = 10 << 20
)

// API error codes the parser reacts to.
const (
	errCodeTooManyRequests = 6
	errCodeAccessDenied    = 15
	errCodeCommentsClosed  = 212
)

// Config controls the VK parser. Zero values fall back to defaults; Token
// is required.
type Config struct {
	APIBase         string
	Token           string
	Version         string
	PageSize        int
	MaxPages        int
	CommentPageSize int
	MinBodyRunes    int
	MinCommentRunes int
	Timeout         time.Duration
	RetryPause      time.Duration
	ArchivePrefix   string
}

// Deps are optional collaborators injected at wiring time.
type Deps struct {
	Limiter *ratelimit.Limiter
	Archive monitor.BlobStore
	Clock   monitor.Clock
}

// Parser harvests posts and comments from VK community walls.
type Parser struct {
	cfg     Config
	logger  *zap.Logger
	client  *http.Client
	limiter *ratelimit.Limiter
	archive monitor.BlobStore
	clock   monitor.Clock

	// owners caches resolved owner ids per source so screen names are
	// looked up once per process.
	owners sync.Map
}

// New builds a VK Parser.
func New(cfg Config, logger *zap.Logger, deps Deps) (*Parser, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("vk parser requires an access token")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.CommentPageSize <= 0 {
		cfg.CommentPageSize = defaultCommentPageSize
	}
	if cfg.MinBodyRunes <= 0 {
		cfg.MinBodyRunes = defaultMinBodyRunes
	}
	if cfg.MinCommentRunes <= 0 {
		cfg.MinCommentRunes = defaultMinCommentRunes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = defaultRetryPause
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
	}, nil
}

// Fetch pages through wall.get newest-first and returns the posts published
// strictly after the cursor, a unix timestamp of the newest post seen.
// Pinned posts are emitted when new but never stop the paging.
func (p *Parser) Fetch(ctx context.Context, src monitor.Source, since monitor.Cursor) (monitor.FetchResult, error) {
	owner, err := p.resolveOwner(ctx, src)
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("resolve community %s: %w", src.URL, err)
	}

	sinceTS := parseUnixCursor(since)
	res := monitor.FetchResult{Cursor: since}
	maxTS := sinceTS

	offset := 0
	for pageN := 0; pageN < p.cfg.MaxPages; pageN++ {
		params := url.Values{}
		params.Set("owner_id", strconv.FormatInt(owner, 10))
		params.Set("count", strconv.Itoa(p.cfg.PageSize))
		params.Set("offset", strconv.Itoa(offset))
		params.Set("filter", "owner")

		resp, raw, err := p.call(ctx, "wall.get", params)
		if err != nil {
			return monitor.FetchResult{}, fmt.Errorf("wall.get %s offset %d: %w", src.Name, offset, err)
		}
		p.archivePayload(ctx, src, fmt.Sprintf("wall.get?offset=%d", offset), raw)

		var wall wallPage
		if err := json.Unmarshal(resp, &wall); err != nil {
			return monitor.FetchResult{}, fmt.Errorf("decode wall %s: %w: %w", src.Name, monitor.ErrSourceUnavailable, err)
		}
		if len(wall.Items) == 0 {
			break
		}

		crossed := false
		for _, post := range wall.Items {
			if post.Date <= sinceTS {
				if post.IsPinned == 0 {
					crossed = true
				}
				continue
			}
			item, ok := p.postItem(src, owner, post)
			if !ok {
				res.Malformed++
				continue
			}
			res.Items = append(res.Items, item)
			if post.Date > maxTS {
				maxTS = post.Date
			}
		}
		if crossed || len(wall.Items) < p.cfg.PageSize {
			break
		}
		offset += p.cfg.PageSize
	}

	if maxTS > sinceTS {
		res.Cursor = monitor.Cursor(strconv.FormatInt(maxTS, 10))
	}
	p.logger.Debug("wall harvested",
		zap.String("source", src.Name),
		zap.Int("items", len(res.Items)),
		zap.Int("malformed", res.Malformed))
	return res, nil
}

// Comments fetches one page of comments under a post. Communities with
// closed comments yield an empty result, not an error.
func (p *Parser) Comments(ctx context.Context, src monitor.Source, postExternalID string) (monitor.FetchResult, error) {
	postID, err := strconv.ParseInt(postExternalID, 10, 64)
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("post id %q: %w", postExternalID, monitor.ErrMalformedItem)
	}
	owner, err := p.resolveOwner(ctx, src)
	if err != nil {
		return monitor.FetchResult{}, fmt.Errorf("resolve community %s: %w", src.URL, err)
	}

	params := url.Values{}
	params.Set("owner_id", strconv.FormatInt(owner, 10))
	params.Set("post_id", strconv.FormatInt(postID, 10))
	params.Set("count", strconv.Itoa(p.cfg.CommentPageSize))
	params.Set("sort", "desc")
	params.Set("extended", "1")
	params.Set("need_likes", "1")

	resp, raw, err := p.call(ctx, "wall.getComments", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Code == errCodeAccessDenied || apiErr.Code == errCodeCommentsClosed) {
			p.logger.Debug("comments closed",
				zap.String("source", src.Name), zap.String("post", postExternalID))
			return monitor.FetchResult{}, nil
		}
		return monitor.FetchResult{}, fmt.Errorf("wall.getComments %s post %s: %w", src.Name, postExternalID, err)
	}
	p.archivePayload(ctx, src, "wall.getComments?post="+postExternalID, raw)

	var page commentPage
	if err := json.Unmarshal(resp, &page); err != nil {
		return monitor.FetchResult{}, fmt.Errorf("decode comments %s: %w: %w", src.Name, monitor.ErrSourceUnavailable, err)
	}

	authors := authorIndex(page)
	res := monitor.FetchResult{}
	for _, c := range page.Items {
		text := parser.CleanText(c.Text)
		if utf8.RuneCountInString(text) < p.cfg.MinCommentRunes {
			res.Malformed++
			continue
		}
		if parser.IsSpam(text) {
			res.Malformed++
			continue
		}
		published := time.Unix(c.Date, 0).UTC()
		res.Items = append(res.Items, monitor.Item{
			SourceID:   src.ID,
			Kind:       monitor.KindComment,
			ExternalID: strconv.FormatInt(c.ID, 10),
			ParentID:   postExternalID,
			Body:       text,
			Author:     authors[c.FromID],
			URL:        fmt.Sprintf("https://vk.com/wall%d_%d?reply=%d", owner, postID, c.ID),
			Published:  &published,
			Likes:      c.Likes.Count,
		})
	}
	return res, nil
}

func (p *Parser) postItem(src monitor.Source, owner int64, post wallPost) (monitor.Item, bool) {
	text := parser.CleanText(post.Text)
	if utf8.RuneCountInString(text) < p.cfg.MinBodyRunes {
		return monitor.Item{}, false
	}
	published := time.Unix(post.Date, 0).UTC()
	return monitor.Item{
		SourceID:   src.ID,
		Kind:       monitor.KindPost,
		ExternalID: strconv.FormatInt(post.ID, 10),
		Body:       text,
		URL:        fmt.Sprintf("https://vk.com/wall%d_%d", owner, post.ID),
		Published:  &published,
		Likes:      post.Likes.Count,
		Views:      post.Views.Count,
		Comments:   post.Comments.Count,
	}, true
}

var communityPattern = regexp.MustCompile(`^(?:club|public|event)(\d+)$`)

// resolveOwner turns the source URL into the negative owner id wall methods
// expect. Numeric community slugs resolve locally; screen names go through
// groups.getById once and are cached.
func (p *Parser) resolveOwner(ctx context.Context, src monitor.Source) (int64, error) {
	if v, ok := p.owners.Load(src.ID); ok {
		owner, _ := v.(int64)
		return owner, nil
	}
	screen := screenName(src.URL)
	if screen == "" {
		return 0, fmt.Errorf("no community in source url %q", src.URL)
	}
	var owner int64
	if m := communityPattern.FindStringSubmatch(screen); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		owner = -id
	} else {
		id, err := p.groupID(ctx, screen)
		if err != nil {
			return 0, err
		}
		owner = -id
	}
	p.owners.Store(src.ID, owner)
	return owner, nil
}

func (p *Parser) groupID(ctx context.Context, screen string) (int64, error) {
	params := url.Values{}
	params.Set("group_id", screen)
	resp, _, err := p.call(ctx, "groups.getById", params)
	if err != nil {
		return 0, err
	}
	var wrapped struct {
		Groups []vkGroup `json:"groups"`
	}
	if err := json.Unmarshal(resp, &wrapped); err == nil && len(wrapped.Groups) > 0 {
		return wrapped.Groups[0].ID, nil
	}
	var legacy []vkGroup
	if err := json.Unmarshal(resp, &legacy); err == nil && len(legacy) > 0 {
		return legacy[0].ID, nil
	}
	return 0, fmt.Errorf("community %q not found: %w", screen, monitor.ErrSourceUnavailable)
}

// call performs one API method call, retrying internally when the API
// answers "too many requests".
func (p *Parser) call(ctx context.Context, method string, params url.Values) (json.RawMessage, []byte, error) {
	params.Set("access_token", p.cfg.Token)
	params.Set("v", p.cfg.Version)
	endpoint := p.cfg.APIBase + "/" + method

	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		if attempt > 0 {
			parser.Pause(ctx, p.cfg.RetryPause)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx, endpoint); err != nil {
				return nil, nil, err
			}
		}

		raw, err := p.do(ctx, endpoint, params)
		if err != nil {
			return nil, nil, err
		}

		var env apiEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, nil, fmt.Errorf("decode %s envelope: %w: %w", method, monitor.ErrSourceUnavailable, err)
		}
		if env.Error != nil {
			if env.Error.Code == errCodeTooManyRequests {
				lastErr = env.Error
				p.logger.Debug("vk rate limited; backing off", zap.String("method", method))
				continue
			}
			return nil, nil, fmt.Errorf("%s: %w: %w", method, monitor.ErrSourceUnavailable, env.Error)
		}
		return env.Response, raw, nil
	}
	return nil, nil, fmt.Errorf("%s kept rate limiting: %w: %w", method, monitor.ErrSourceUnavailable, lastErr)
}

func (p *Parser) do(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w: %w", endpoint, monitor.ErrSourceUnavailable, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w: %w", endpoint, monitor.ErrSourceUnavailable, err)
	}
	metrics.ObserveFetch(endpoint, strconv.Itoa(resp.StatusCode), len(body))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: status %d: %w", endpoint, resp.StatusCode, monitor.ErrSourceUnavailable)
	}
	return body, nil
}

func (p *Parser) archivePayload(ctx context.Context, src monitor.Source, call string, raw []byte) {
	if p.archive == nil || len(raw) == 0 {
		return
	}
	key := archive.ObjectPath(p.cfg.ArchivePrefix, string(src.Type), src.URL+"/"+call, p.clock.Now(), ".json")
	if _, err := p.archive.PutObject(ctx, key, "application/json", raw); err != nil {
		p.logger.Warn("archive payload failed", zap.String("call", call), zap.Error(err))
	}
}

func parseUnixCursor(c monitor.Cursor) int64 {
	if c == "" {
		return 0
	}
	ts, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func screenName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func authorIndex(page commentPage) map[int64]string {
	authors := make(map[int64]string, len(page.Profiles)+len(page.Groups))
	for _, pr := range page.Profiles {
		authors[pr.ID] = strings.TrimSpace(pr.FirstName + " " + pr.LastName)
	}
	for _, g := range page.Groups {
		authors[-g.ID] = g.Name
	}
	return authors
}

var _ monitor.Parser = (*Parser)(nil)
