package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://WWW.IRK.RU/tourism/",
			want: "https://www.irk.ru/tourism/",
		},
		{
			name: "strips default https port",
			in:   "https://irk.ru:443/news/1",
			want: "https://irk.ru/news/1",
		},
		{
			name: "strips default http port",
			in:   "http://irk.ru:80/news/1",
			want: "http://irk.ru/news/1",
		},
		{
			name: "keeps custom port",
			in:   "https://irk.ru:8443/news/1",
			want: "https://irk.ru:8443/news/1",
		},
		{
			name: "drops fragment",
			in:   "https://irk.ru/news/1#comments",
			want: "https://irk.ru/news/1",
		},
		{
			name: "drops utm parameters",
			in:   "https://irk.ru/news/1?utm_source=vk&utm_campaign=x&id=5",
			want: "https://irk.ru/news/1?id=5",
		},
		{
			name: "sorts query parameters",
			in:   "https://irk.ru/news?b=2&a=1",
			want: "https://irk.ru/news?a=1&b=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLInvalid(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("https://irk.ru/news/%zz")
	require.Error(t, err)
}

func TestNormalizeURLStableForHashing(t *testing.T) {
	t.Parallel()

	a, err := NormalizeURL("https://IRK.ru/tourism/blog/20240502/?utm_source=tg")
	require.NoError(t, err)
	b, err := NormalizeURL("https://irk.ru:443/tourism/blog/20240502/")
	require.NoError(t, err)
	require.Equal(t, a, b)
}
