package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
	queuemem "github.com/baikalmedia/tourism-monitor/internal/queue/memory"
)

func TestDispatcherProcessesQueuedItems(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuemem.NewQueue(8)
	handler := newRecordingHandler(3)
	dispatch := New(queue, handler, 2, zap.NewNop())

	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, name := range []string{"irk-news", "vk-baikal", "tg-gobaikal"} {
		item := monitor.QueueItem{RunID: "run-1", Source: monitor.Source{Name: name}}
		require.NoError(t, queue.Enqueue(ctx, item))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-handler.seen:
		case <-time.After(time.Second):
			t.Fatal("queued sources were not handled")
		}
	}
	require.ElementsMatch(t, []string{"irk-news", "vk-baikal", "tg-gobaikal"}, handler.names())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	dispatch := New(queuemem.NewQueue(1), newRecordingHandler(0), 3, zap.NewNop())

	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherDefaultsPoolSize(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := queuemem.NewQueue(1)
	handler := newRecordingHandler(1)
	dispatch := New(queue, handler, 0, nil)

	go dispatch.Run(ctx)

	require.NoError(t, queue.Enqueue(ctx, monitor.QueueItem{RunID: "run-1", Source: monitor.Source{Name: "solo"}}))
	select {
	case <-handler.seen:
	case <-time.After(time.Second):
		t.Fatal("zero pool size should still run one worker")
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []string
	seen    chan struct{}
}

func newRecordingHandler(expect int) *recordingHandler {
	if expect < 1 {
		expect = 1
	}
	return &recordingHandler{seen: make(chan struct{}, expect)}
}

func (h *recordingHandler) HandleSource(_ context.Context, item monitor.QueueItem) {
	h.mu.Lock()
	h.handled = append(h.handled, item.Source.Name)
	h.mu.Unlock()
	h.seen <- struct{}{}
}

func (h *recordingHandler) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.handled))
	copy(out, h.handled)
	return out
}
