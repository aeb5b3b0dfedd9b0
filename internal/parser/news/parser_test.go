package news

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	archivememory "github.com/baikalmedia/tourism-monitor/internal/archive/memory"
	"github.com/baikalmedia/tourism-monitor/internal/hash/sha256"
	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	"github.com/baikalmedia/tourism-monitor/internal/render"
)

const longBody = "На Байкале открылся новый туристический маршрут вдоль западного побережья острова Ольхон."

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubRenderer struct {
	pages map[string]string
	calls atomic.Int32
}

func (r *stubRenderer) Render(_ context.Context, rawURL string) (monitor.RenderedPage, error) {
	r.calls.Add(1)
	return monitor.RenderedPage{
		URL:        rawURL,
		FinalURL:   rawURL,
		StatusCode: http.StatusOK,
		Body:       []byte(r.pages[rawURL]),
	}, nil
}

func listPageHTML(hrefs ...string) string {
	out := `<html><body><div class="news-list">`
	for _, href := range hrefs {
		out += fmt.Sprintf(`<div class="item"><a href="%s">статья</a></div>`, href)
	}
	return out + `</div></body></html>`
}

func articleHTML(title, body, datetime string) string {
	return fmt.Sprintf(
		`<html><body><h1>%s</h1><time datetime="%s"></time><div class="article"><p>%s</p></div></body></html>`,
		title, datetime, body)
}

func testSelectors() monitor.Selectors {
	return monitor.Selectors{
		List:  "div.news-list .item",
		Link:  "a",
		Title: "h1",
		Body:  "div.article",
		Date:  "time",
	}
}

func newTestParser(t *testing.T, cfg Config, deps Deps) *Parser {
	t.Helper()
	metrics.Init()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MinBodyRunes == 0 {
		cfg.MinBodyRunes = 10
	}
	if cfg.RateLimitPause == 0 {
		cfg.RateLimitPause = 10 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock{t: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}
	}
	p, err := New(cfg, zap.NewNop(), deps)
	require.NoError(t, err)
	return p
}

func TestNewRequiresHasher(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop(), Deps{})
	require.Error(t, err)
}

func TestFetchExtractsArticles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1", "/news/2", "/news/1#comments"))
	})
	mux.HandleFunc("/news/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Новый маршрут на Байкале", longBody, "2024-05-02T10:00:00+08:00"))
	})
	mux.HandleFunc("/news/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Лёд тронулся", longBody, "2024-05-01T09:00:00+08:00"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := archivememory.New()
	p := newTestParser(t, Config{ArchivePrefix: "raw"}, Deps{Archive: mem})
	src := monitor.Source{
		ID:        "src-1",
		Name:      "IRK Tourism",
		Type:      monitor.SourceNews,
		URL:       srv.URL + "/tourism/",
		Selectors: testSelectors(),
	}

	res, err := p.Fetch(context.Background(), src, "")
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, 0, res.Malformed)

	first := res.Items[0]
	require.Equal(t, monitor.KindPost, first.Kind)
	require.Equal(t, "src-1", first.SourceID)
	require.Equal(t, "Новый маршрут на Байкале", first.Title)
	require.Contains(t, first.Body, "туристический маршрут")
	require.Len(t, first.ExternalID, 16)
	require.NotNil(t, first.Published)

	require.Equal(t, monitor.Cursor("2024-05-02T10:00:00+08:00"), res.Cursor)
	require.Equal(t, 3, mem.Len(), "section page and both articles should be archived")
}

func TestFetchStrictlyNewerThanCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1", "/news/2"))
	})
	mux.HandleFunc("/news/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Свежая", longBody, "2024-05-02T10:00:00+08:00"))
	})
	mux.HandleFunc("/news/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Старая", longBody, "2024-05-01T09:00:00+08:00"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, Config{}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}

	res, err := p.Fetch(context.Background(), src, monitor.Cursor("2024-05-01T09:00:00+08:00"))
	require.NoError(t, err)
	require.Len(t, res.Items, 1, "article at the cursor is not strictly newer")
	require.Equal(t, "Свежая", res.Items[0].Title)
	require.Equal(t, monitor.Cursor("2024-05-02T10:00:00+08:00"), res.Cursor)
}

func TestFetchCursorUnchangedWithoutNewerItems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/2"))
	})
	mux.HandleFunc("/news/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Старая", longBody, "2024-05-01T09:00:00+08:00"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, Config{}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}
	since := monitor.Cursor("2024-05-02T10:00:00+08:00")

	res, err := p.Fetch(context.Background(), src, since)
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.Equal(t, since, res.Cursor)
}

func TestFetchCountsMalformedArticles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1", "/news/short", "/news/untitled"))
	})
	mux.HandleFunc("/news/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Полная статья", longBody, "2024-05-02T10:00:00+08:00"))
	})
	mux.HandleFunc("/news/short", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Заметка", "Коротко.", "2024-05-02T11:00:00+08:00"))
	})
	mux.HandleFunc("/news/untitled", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><div class="article"><p>Текст без заголовка в разметке.</p></div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, Config{}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}

	res, err := p.Fetch(context.Background(), src, "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, 2, res.Malformed)
}

func TestFetchSectionUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestParser(t, Config{}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}

	_, err := p.Fetch(context.Background(), src, "")
	require.ErrorIs(t, err, monitor.ErrSourceUnavailable)
}

func TestFetchHonorsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "User-agent: *\nDisallow: /news/2")
	})
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1", "/news/2"))
	})
	mux.HandleFunc("/news/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Открытая", longBody, "2024-05-02T10:00:00+08:00"))
	})
	mux.HandleFunc("/news/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML("Закрытая", longBody, "2024-05-02T11:00:00+08:00"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, Config{RespectRobots: true}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}

	res, err := p.Fetch(context.Background(), src, "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "Открытая", res.Items[0].Title)
	require.Equal(t, 0, res.Malformed, "robots exclusions are not malformed payloads")
}

func TestFetchBlocksHostAfterRepeatedForbidden(t *testing.T) {
	var articleHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1", "/news/2", "/news/3"))
	})
	mux.HandleFunc("/news/", func(w http.ResponseWriter, _ *http.Request) {
		articleHits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, Config{ForbiddenThreshold: 2}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}

	res, err := p.Fetch(context.Background(), src, "")
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.Equal(t, 2, res.Malformed)
	require.Equal(t, int32(2), articleHits.Load(), "third article should be skipped once the host is blocked")
}

func TestFetchRetriesAfterOriginRateLimit(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1"))
	})
	mux.HandleFunc("/news/1", func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, articleHTML("После паузы", longBody, "2024-05-02T10:00:00+08:00"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, Config{RateLimitPause: 10 * time.Millisecond}, Deps{})
	src := monitor.Source{ID: "src-1", URL: srv.URL + "/tourism/", Selectors: testSelectors()}

	res, err := p.Fetch(context.Background(), src, "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchRendersJSShellArticles(t *testing.T) {
	shell := `<html><body><div id="root"></div></body></html>`
	mux := http.NewServeMux()
	mux.HandleFunc("/tourism/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, listPageHTML("/news/1"), `<p>padding so the section page itself never looks like a shell</p>`)
	})
	mux.HandleFunc("/news/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, shell)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	articleURL := srv.URL + "/news/1"
	renderer := &stubRenderer{pages: map[string]string{
		articleURL: articleHTML("Из рендера", longBody, "2024-05-02T10:00:00+08:00"),
	}}
	p := newTestParser(t, Config{}, Deps{
		Renderer: renderer,
		Detector: render.NewHeuristicDetector(100, nil, nil),
	})
	src := monitor.Source{
		ID:        "src-1",
		URL:       srv.URL + "/tourism/",
		Selectors: testSelectors(),
		Render:    true,
	}

	res, err := p.Fetch(context.Background(), src, "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "Из рендера", res.Items[0].Title)
	require.Equal(t, int32(1), renderer.calls.Load())
}

func TestCommentsEmpty(t *testing.T) {
	t.Parallel()

	p := newTestParser(t, Config{}, Deps{})
	res, err := p.Comments(context.Background(), monitor.Source{ID: "src-1"}, "abc")
	require.NoError(t, err)
	require.Empty(t, res.Items)
}
