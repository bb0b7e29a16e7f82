package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"casebridge/internal/models"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type sinkSpy struct {
	mu    sync.Mutex
	saved []*models.DeadLetterEvent
}

func (s *sinkSpy) Save(dl *models.DeadLetterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, dl)
	return nil
}

func event(id string) *models.SyncEvent {
	return &models.SyncEvent{
		ID:           id,
		IncidentID:   "case-1",
		Type:         models.EventUpdated,
		SourceSystem: models.SystemCaseManagement,
	}
}

func TestMemoryFanOut(t *testing.T) {
	bus := NewMemory(3, nil, nil)

	var a, b int
	bus.Subscribe("adapter-a", func(ctx context.Context, ev *models.SyncEvent) error {
		a++
		return nil
	})
	bus.Subscribe("adapter-b", func(ctx context.Context, ev *models.SyncEvent) error {
		b++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), event("ev-1")))
	require.Equal(t, 1, a)
	require.Equal(t, 1, b)
}

func TestMemoryRetriesThenDeadLetters(t *testing.T) {
	sink := &sinkSpy{}
	bus := NewMemory(3, sink, nil)

	attempts := 0
	bus.Subscribe("jira-adapter", func(ctx context.Context, ev *models.SyncEvent) error {
		attempts++
		return errors.New("jira unavailable")
	})

	require.NoError(t, bus.Publish(context.Background(), event("ev-2")))
	require.Equal(t, 3, attempts)
	require.Len(t, sink.saved, 1)
	require.Equal(t, "ev-2", sink.saved[0].EventID)
	require.Equal(t, "jira-adapter", sink.saved[0].Consumer)
	require.Equal(t, 3, sink.saved[0].Attempts)

	// 死信载荷必须能还原成原事件，重放依赖它
	ev, err := models.DecodeSyncEvent(sink.saved[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "ev-2", ev.ID)
}

func TestMemoryFailureIsolation(t *testing.T) {
	sink := &sinkSpy{}
	bus := NewMemory(2, sink, nil)

	healthy := 0
	bus.Subscribe("broken", func(ctx context.Context, ev *models.SyncEvent) error {
		return errors.New("boom")
	})
	bus.Subscribe("healthy", func(ctx context.Context, ev *models.SyncEvent) error {
		healthy++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), event("ev-3")))
	require.Equal(t, 1, healthy, "one consumer failing must not starve the rest")
	require.Len(t, sink.saved, 1)
}

type failingSink struct{}

func (failingSink) Save(dl *models.DeadLetterEvent) error {
	return errors.New("database gone")
}

func TestMemorySurfacesDeadLetterSaveFailure(t *testing.T) {
	logCapture, hook := logtest.NewNullLogger()
	bus := NewMemory(1, failingSink{}, logCapture)

	bus.Subscribe("broken", func(ctx context.Context, ev *models.SyncEvent) error {
		return errors.New("boom")
	})
	require.NoError(t, bus.Publish(context.Background(), event("ev-5")))

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && strings.Contains(entry.Message, "save dead letter") {
			found = true
		}
	}
	require.True(t, found, "failed dead-letter save must be logged at error level")
}

func TestMemoryRecoversMidRetry(t *testing.T) {
	sink := &sinkSpy{}
	bus := NewMemory(5, sink, nil)

	attempts := 0
	bus.Subscribe("flaky", func(ctx context.Context, ev *models.SyncEvent) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), event("ev-4")))
	require.Equal(t, 3, attempts)
	require.Empty(t, sink.saved)
}
