package vk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	archivememory "github.com/baikalmedia/tourism-monitor/internal/archive/memory"
	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

const postText = "Открыт набор на летний сплав по Ангаре, старт от причала Ракета."

func newTestParser(t *testing.T, apiBase string, cfg Config, deps Deps) *Parser {
	t.Helper()
	metrics.Init()
	cfg.APIBase = apiBase
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if cfg.MinBodyRunes == 0 {
		cfg.MinBodyRunes = 10
	}
	if cfg.MinCommentRunes == 0 {
		cfg.MinCommentRunes = 5
	}
	if cfg.RetryPause == 0 {
		cfg.RetryPause = 10 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	p, err := New(cfg, zap.NewNop(), deps)
	require.NoError(t, err)
	return p
}

func socialSource(rawURL string) monitor.Source {
	return monitor.Source{
		ID:   "src-vk",
		Name: "Байкал ВК",
		Type: monitor.SourceSocial,
		URL:  rawURL,
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop(), Deps{})
	require.Error(t, err)
}

func TestFetchWallPosts(t *testing.T) {
	var wallQuery url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/groups.getById", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"response":{"groups":[{"id":123,"name":"Байкал Тревел","screen_name":"baikal_travel"}]}}`)
	})
	mux.HandleFunc("/wall.get", func(w http.ResponseWriter, r *http.Request) {
		wallQuery = r.URL.Query()
		fmt.Fprintf(w, `{"response":{"count":3,"items":[
			{"id":301,"owner_id":-123,"date":1714644000,"text":"%[1]s","likes":{"count":12},"views":{"count":840},"comments":{"count":4}},
			{"id":300,"owner_id":-123,"date":1714640400,"text":"%[1]s","likes":{"count":3},"views":{"count":210},"comments":{"count":0}},
			{"id":299,"owner_id":-123,"date":1714636800,"text":"Кратко"}
		]}}`, postText)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := archivememory.New()
	p := newTestParser(t, srv.URL, Config{ArchivePrefix: "raw"}, Deps{Archive: mem})
	res, err := p.Fetch(context.Background(), socialSource("https://vk.com/baikal_travel"), "")
	require.NoError(t, err)

	require.Equal(t, "-123", wallQuery.Get("owner_id"))
	require.Equal(t, "owner", wallQuery.Get("filter"))
	require.Equal(t, "test-token", wallQuery.Get("access_token"))
	require.Equal(t, defaultVersion, wallQuery.Get("v"))

	require.Len(t, res.Items, 2)
	require.Equal(t, 1, res.Malformed, "post below the length floor is malformed")

	first := res.Items[0]
	require.Equal(t, monitor.KindPost, first.Kind)
	require.Equal(t, "301", first.ExternalID)
	require.Equal(t, "https://vk.com/wall-123_301", first.URL)
	require.Equal(t, 12, first.Likes)
	require.Equal(t, 840, first.Views)
	require.Equal(t, 4, first.Comments)
	require.NotNil(t, first.Published)
	require.Equal(t, int64(1714644000), first.Published.Unix())

	require.Equal(t, monitor.Cursor("1714644000"), res.Cursor)
	require.Equal(t, 1, mem.Len(), "raw wall page should be archived")
}

func TestFetchNumericCommunitySkipsLookup(t *testing.T) {
	var lookups atomic.Int32
	var wallQuery url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/groups.getById", func(w http.ResponseWriter, _ *http.Request) {
		lookups.Add(1)
		fmt.Fprint(w, `{"response":{"groups":[]}}`)
	})
	mux.HandleFunc("/wall.get", func(w http.ResponseWriter, r *http.Request) {
		wallQuery = r.URL.Query()
		fmt.Fprintf(w, `{"response":{"count":1,"items":[{"id":1,"date":1714644000,"text":"%s"}]}}`, postText)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, srv.URL, Config{}, Deps{})
	res, err := p.Fetch(context.Background(), socialSource("https://vk.com/club777"), "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "-777", wallQuery.Get("owner_id"))
	require.Equal(t, int32(0), lookups.Load(), "numeric community slug resolves without an API call")
}

func TestFetchPagesUntilCursorCrossed(t *testing.T) {
	var wallHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/wall.get", func(w http.ResponseWriter, r *http.Request) {
		wallHits.Add(1)
		if r.URL.Query().Get("offset") == "0" {
			// A stale pinned post sits on top of the feed; it must not stop
			// paging because fresher posts follow it.
			fmt.Fprintf(w, `{"response":{"count":4,"items":[
				{"id":10,"date":1714000000,"is_pinned":1,"text":"%[1]s"},
				{"id":40,"date":1714644000,"text":"%[1]s"},
				{"id":39,"date":1714640400,"text":"%[1]s"}
			]}}`, postText)
			return
		}
		fmt.Fprintf(w, `{"response":{"count":4,"items":[{"id":20,"date":1714100000,"text":"%s"}]}}`, postText)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, srv.URL, Config{PageSize: 3}, Deps{})
	res, err := p.Fetch(context.Background(), socialSource("https://vk.com/club777"), monitor.Cursor("1714200000"))
	require.NoError(t, err)

	require.Equal(t, int32(2), wallHits.Load(), "second page crosses the cursor and stops paging")
	require.Len(t, res.Items, 2)
	require.Equal(t, "40", res.Items[0].ExternalID)
	require.Equal(t, monitor.Cursor("1714644000"), res.Cursor)
}

func TestFetchRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/wall.get", func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			fmt.Fprint(w, `{"error":{"error_code":6,"error_msg":"Too many requests per second"}}`)
			return
		}
		fmt.Fprintf(w, `{"response":{"count":1,"items":[{"id":1,"date":1714644000,"text":"%s"}]}}`, postText)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, srv.URL, Config{}, Deps{})
	res, err := p.Fetch(context.Background(), socialSource("https://vk.com/club777"), "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchAuthErrorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"error":{"error_code":5,"error_msg":"User authorization failed"}}`)
	}))
	defer srv.Close()

	p := newTestParser(t, srv.URL, Config{}, Deps{})
	_, err := p.Fetch(context.Background(), socialSource("https://vk.com/club777"), "")
	require.ErrorIs(t, err, monitor.ErrSourceUnavailable)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 5, apiErr.Code)
}

func TestComments(t *testing.T) {
	var commentsQuery url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/wall.getComments", func(w http.ResponseWriter, r *http.Request) {
		commentsQuery = r.URL.Query()
		fmt.Fprint(w, `{"response":{
			"count":4,
			"items":[
				{"id":501,"from_id":42,"date":1714645000,"text":"Были там в прошлом году, вид на Шаманку того стоит","likes":{"count":7}},
				{"id":502,"from_id":-123,"date":1714645100,"text":"Расписание сплавов закреплено в обсуждениях группы"},
				{"id":503,"from_id":43,"date":1714645200,"text":"Подпишись на наш канал про заработок без вложений"},
				{"id":504,"from_id":44,"date":1714645300,"text":"Ок"}
			],
			"profiles":[{"id":42,"first_name":"Мария","last_name":"Иванова"}],
			"groups":[{"id":123,"name":"Байкал Тревел","screen_name":"baikal_travel"}]
		}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestParser(t, srv.URL, Config{}, Deps{})
	res, err := p.Comments(context.Background(), socialSource("https://vk.com/club777"), "9000")
	require.NoError(t, err)

	require.Equal(t, "-777", commentsQuery.Get("owner_id"))
	require.Equal(t, "9000", commentsQuery.Get("post_id"))
	require.Equal(t, "desc", commentsQuery.Get("sort"))
	require.Equal(t, "1", commentsQuery.Get("extended"))
	require.Equal(t, "1", commentsQuery.Get("need_likes"))

	require.Len(t, res.Items, 2)
	require.Equal(t, 2, res.Malformed, "spam and too-short comments are rejected")

	first := res.Items[0]
	require.Equal(t, monitor.KindComment, first.Kind)
	require.Equal(t, "501", first.ExternalID)
	require.Equal(t, "9000", first.ParentID)
	require.Equal(t, "Мария Иванова", first.Author)
	require.Equal(t, "https://vk.com/wall-777_9000?reply=501", first.URL)
	require.Equal(t, 7, first.Likes)

	require.Equal(t, "Байкал Тревел", res.Items[1].Author, "community replies carry the group name")
}

func TestCommentsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"error":{"error_code":212,"error_msg":"Access to post comments denied"}}`)
	}))
	defer srv.Close()

	p := newTestParser(t, srv.URL, Config{}, Deps{})
	res, err := p.Comments(context.Background(), socialSource("https://vk.com/club777"), "9000")
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.Equal(t, 0, res.Malformed)
}

func TestCommentsBadPostID(t *testing.T) {
	t.Parallel()

	p := newTestParser(t, "http://127.0.0.1:1", Config{}, Deps{})
	_, err := p.Comments(context.Background(), socialSource("https://vk.com/club777"), "not-a-number")
	require.ErrorIs(t, err, monitor.ErrMalformedItem)
}
