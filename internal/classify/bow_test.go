package classify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWeights(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBagOfWords_ScoreOrdersTexts(t *testing.T) {
	t.Parallel()
	path := writeWeights(t, `{
		"bias": -2.0,
		"weights": {"туризм": 1.5, "байкал": 2.0, "концерт": -1.5}
	}`)
	b, err := NewBagOfWords(path)
	require.NoError(t, err)

	ctx := context.Background()
	tourism, err := b.Score(ctx, "Туризм на Байкале растёт")
	require.NoError(t, err)
	neutral, err := b.Score(ctx, "Погода сегодня ясная")
	require.NoError(t, err)
	concert, err := b.Score(ctx, "Прошёл городской концерт")
	require.NoError(t, err)

	require.Greater(t, tourism, neutral)
	require.Greater(t, neutral, concert)
}

func TestBagOfWords_ScoreBounds(t *testing.T) {
	t.Parallel()
	path := writeWeights(t, `{"bias": 5.0, "weights": {"байкал": 50.0, "спам": -50.0}}`)
	b, err := NewBagOfWords(path)
	require.NoError(t, err)

	for _, text := range []string{"байкал байкал байкал", "спам спам спам", ""} {
		score, err := b.Score(context.Background(), text)
		require.NoError(t, err)
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 1.0)
	}
}

func TestBagOfWords_Deterministic(t *testing.T) {
	t.Parallel()
	path := writeWeights(t, `{
		"bias": -1.0,
		"weights": {"туризм": 0.7, "байкал": 1.1, "ольхон": 0.9, "маршрут": 0.4}
	}`)
	b, err := NewBagOfWords(path)
	require.NoError(t, err)

	text := "Новый туристический маршрут на Ольхон открыт, туризм на Байкале"
	first, err := b.Score(context.Background(), text)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := b.Score(context.Background(), text)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestBagOfWords_CountsOccurrences(t *testing.T) {
	t.Parallel()
	path := writeWeights(t, `{"bias": -2.0, "weights": {"байкал": 1.0}}`)
	b, err := NewBagOfWords(path)
	require.NoError(t, err)

	once, err := b.Score(context.Background(), "байкал")
	require.NoError(t, err)
	twice, err := b.Score(context.Background(), "байкал и снова байкал")
	require.NoError(t, err)
	require.Greater(t, twice, once)
}

func TestBagOfWords_MatchesStemsAndPhrases(t *testing.T) {
	t.Parallel()
	path := writeWeights(t, `{
		"bias": -2.0,
		"weights": {"БАЙКАЛ": 2.0, "горячие источники": 2.0}
	}`)
	b, err := NewBagOfWords(path)
	require.NoError(t, err)

	ctx := context.Background()
	stem, err := b.Score(ctx, "отдых на байкале")
	require.NoError(t, err)
	phrase, err := b.Score(ctx, "горячие источники Аршана")
	require.NoError(t, err)
	none, err := b.Score(ctx, "городская афиша")
	require.NoError(t, err)

	require.Greater(t, stem, none)
	require.Greater(t, phrase, none)
}

func TestBagOfWords_ScoreBatch(t *testing.T) {
	t.Parallel()
	path := writeWeights(t, `{"bias": 0.0, "weights": {"байкал": 1.0}}`)
	b, err := NewBagOfWords(path)
	require.NoError(t, err)

	texts := []string{"байкал", "ничего", "байкал байкал"}
	scores, err := b.ScoreBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, scores, len(texts))

	for i, text := range texts {
		single, err := b.Score(context.Background(), text)
		require.NoError(t, err)
		require.Equal(t, single, scores[i])
	}
}

func TestNewBagOfWords_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewBagOfWords(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = NewBagOfWords(writeWeights(t, `{"bias": 1.0, "weights": {}}`))
	require.Error(t, err)

	_, err = NewBagOfWords(writeWeights(t, `not json`))
	require.Error(t, err)
}
