// Package archive persists raw fetched payloads before parsing. Snapshots
// let an operator audit or replay a harvest without refetching sources that
// may have edited or deleted the content since.
package archive

import (
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
	"time"
)

// ObjectPath builds a stable archive key for one fetched payload. Keys shard
// by source type and fetch date; the final component hashes the origin URL,
// so refetching a page on the same day overwrites the earlier snapshot
// instead of accumulating copies.
func ObjectPath(prefix, sourceType, rawURL string, fetchedAt time.Time, ext string) string {
	sum := sha256.Sum256([]byte(rawURL))
	key := path.Join(
		sourceType,
		fetchedAt.UTC().Format("2006-01-02"),
		fmt.Sprintf("%x%s", sum, ext),
	)
	if p := strings.Trim(prefix, "/"); p != "" {
		return path.Join(p, key)
	}
	return key
}
