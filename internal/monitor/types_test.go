package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceStats_Merge(t *testing.T) {
	t.Parallel()
	total := SourceStats{Fetched: 2, Accepted: 1}
	total.Merge(SourceStats{
		Fetched:           3,
		RejectedKeyword:   1,
		RejectedThreshold: 1,
		Accepted:          1,
		Malformed:         1,
		DegradedFallback:  2,
		ParentUnresolved:  1,
		CommentsFetched:   4,
		CommentsStored:    3,
	})

	require.Equal(t, int64(5), total.Fetched)
	require.Equal(t, int64(2), total.Accepted)
	require.Equal(t, int64(2), total.DegradedFallback)
	require.Equal(t, int64(4), total.CommentsFetched)
}

func TestSourceStats_MapHasStableKeys(t *testing.T) {
	t.Parallel()
	m := SourceStats{Fetched: 7, Accepted: 4}.Map()

	want := []string{
		"fetched",
		"rejected_keyword",
		"rejected_threshold",
		"accepted",
		"malformed",
		"degraded_fallback",
		"parent_unresolved",
		"comments_fetched",
		"comments_stored",
	}
	require.Len(t, m, len(want))
	for _, key := range want {
		require.Contains(t, m, key)
	}
	require.Equal(t, int64(7), m["fetched"])
	require.Equal(t, int64(4), m["accepted"])
}
