package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

type stubParser struct{ name string }

func (s *stubParser) Fetch(context.Context, monitor.Source, monitor.Cursor) (monitor.FetchResult, error) {
	return monitor.FetchResult{}, nil
}

func (s *stubParser) Comments(context.Context, monitor.Source, string) (monitor.FetchResult, error) {
	return monitor.FetchResult{}, nil
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	news := &stubParser{name: "news"}
	reg.Register(monitor.SourceNews, news)

	got, err := reg.Lookup(monitor.SourceNews)
	require.NoError(t, err)
	require.Same(t, news, got)
}

func TestRegistryLookupUnregistered(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	_, err := reg.Lookup(monitor.SourceMessaging)
	require.ErrorIs(t, err, ErrUnregistered)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := &stubParser{name: "first"}
	second := &stubParser{name: "second"}
	reg.Register(monitor.SourceSocial, first)
	reg.Register(monitor.SourceSocial, second)

	got, err := reg.Lookup(monitor.SourceSocial)
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestRegistryTypesSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(monitor.SourceSocial, &stubParser{})
	reg.Register(monitor.SourceMessaging, &stubParser{})
	reg.Register(monitor.SourceNews, &stubParser{})

	require.Equal(t,
		[]monitor.SourceType{monitor.SourceMessaging, monitor.SourceNews, monitor.SourceSocial},
		reg.Types())
}
