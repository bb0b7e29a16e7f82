package bus

import (
	"context"
	"sync"

	"casebridge/internal/models"

	"github.com/sirupsen/logrus"
)

// Memory 进程内总线：同步投递给全部消费者，失败立即重投，
// 次数耗尽转死信。单机部署与测试使用，语义与 RedisBus 对齐（至少一次）。
type Memory struct {
	maxDeliveries int
	deadLetters   DeadLetterSink
	logger        *logrus.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewMemory 创建进程内总线
func NewMemory(maxDeliveries int, sink DeadLetterSink, logger *logrus.Logger) *Memory {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Memory{
		maxDeliveries: maxDeliveries,
		deadLetters:   sink,
		logger:        logger,
		handlers:      make(map[string]Handler),
	}
}

// Subscribe 注册消费者
func (m *Memory) Subscribe(consumer string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[consumer] = h
}

// Publish 同步扇出。某个消费者失败不影响其他消费者
func (m *Memory) Publish(ctx context.Context, ev *models.SyncEvent) error {
	m.mu.Lock()
	consumers := make(map[string]Handler, len(m.handlers))
	for k, v := range m.handlers {
		consumers[k] = v
	}
	m.mu.Unlock()

	for name, h := range consumers {
		m.deliver(ctx, name, h, ev)
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, consumer string, h Handler, ev *models.SyncEvent) {
	var lastErr error
	for attempt := 1; attempt <= m.maxDeliveries; attempt++ {
		if lastErr = h(ctx, ev); lastErr == nil {
			return
		}
		m.logger.Warnf("consumer %s failed on event %s (attempt %d): %v", consumer, ev.ID, attempt, lastErr)
	}

	if m.deadLetters == nil {
		m.logger.Errorf("no dead letter sink, dropping event %s for %s", ev.ID, consumer)
		return
	}
	raw, err := ev.Encode()
	if err != nil {
		m.logger.Errorf("encode event %s for dead letter: %v", ev.ID, err)
	}
	err = m.deadLetters.Save(&models.DeadLetterEvent{
		EventID:      ev.ID,
		IncidentID:   ev.IncidentID,
		EventType:    ev.Type,
		SourceSystem: ev.SourceSystem,
		Consumer:     consumer,
		Payload:      raw,
		Attempts:     m.maxDeliveries,
		LastError:    lastErr.Error(),
	})
	if err != nil {
		m.logger.Errorf("save dead letter for %s: %v", consumer, err)
	}
}

// Run 进程内总线无消费循环，阻塞到取消为止以对齐接口
func (m *Memory) Run(ctx context.Context) {
	<-ctx.Done()
}

// Close 无资源可释放
func (m *Memory) Close() error {
	return nil
}
