package archive

import (
	"strings"
	"testing"
	"time"
)

func TestObjectPath(t *testing.T) {
	t.Parallel()

	// 02:00 on May 2 in Irkutsk is still May 1 in UTC.
	at := time.Date(2024, 5, 2, 2, 0, 0, 0, time.FixedZone("IRKT", 8*3600))

	key := ObjectPath("raw", "news", "https://irk.ru/news/1", at, ".html")
	if !strings.HasPrefix(key, "raw/news/2024-05-01/") {
		t.Fatalf("unexpected prefix in %s", key)
	}
	if !strings.HasSuffix(key, ".html") {
		t.Fatalf("expected .html suffix in %s", key)
	}

	again := ObjectPath("raw", "news", "https://irk.ru/news/1", at, ".html")
	if key != again {
		t.Fatalf("expected stable key, got %s vs %s", key, again)
	}

	other := ObjectPath("raw", "news", "https://irk.ru/news/2", at, ".html")
	if key == other {
		t.Fatalf("expected distinct keys for distinct urls, got %s", key)
	}
}

func TestObjectPathWithoutPrefix(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	key := ObjectPath("", "social", "https://vk.com/wall-1_5", at, ".json")
	if !strings.HasPrefix(key, "social/2024-05-01/") {
		t.Fatalf("unexpected prefix in %s", key)
	}

	trimmed := ObjectPath("/raw/", "social", "https://vk.com/wall-1_5", at, ".json")
	if !strings.HasPrefix(trimmed, "raw/social/") {
		t.Fatalf("expected trimmed prefix, got %s", trimmed)
	}
}
