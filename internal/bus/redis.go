package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"casebridge/internal/config"
	"casebridge/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisBus 基于 Redis Streams 的事件总线。
// 每个消费者一个 consumer group：XACK 之前消息留在 pending 列表，
// 崩溃或处理失败由认领循环重投；投递次数超限转入死信存储。
type RedisBus struct {
	client      *redis.Client
	cfg         config.BusConfig
	deadLetters DeadLetterSink
	logger      *logrus.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRedisBus 创建 Redis Streams 总线
func NewRedisBus(client *redis.Client, cfg config.BusConfig, sink DeadLetterSink, logger *logrus.Logger) *RedisBus {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Stream == "" {
		cfg.Stream = "casebridge:events"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 2 * time.Minute
	}
	return &RedisBus{
		client:      client,
		cfg:         cfg,
		deadLetters: sink,
		logger:      logger,
		handlers:    make(map[string]Handler),
	}
}

// Publish 事件序列化后 XADD 进流
func (b *RedisBus) Publish(ctx context.Context, ev *models.SyncEvent) error {
	raw, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{"event": raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	b.logger.Debugf("published %s event for incident %s", ev.Type, ev.IncidentID)
	return nil
}

// Subscribe 注册消费者（对应一个 consumer group）
func (b *RedisBus) Subscribe(consumer string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[consumer] = h
}

// Run 为每个消费者启动读取循环和 pending 认领循环
func (b *RedisBus) Run(ctx context.Context) {
	b.mu.Lock()
	consumers := make(map[string]Handler, len(b.handlers))
	for k, v := range b.handlers {
		consumers[k] = v
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for name, h := range consumers {
		if err := b.ensureGroup(ctx, name); err != nil {
			b.logger.Errorf("create consumer group %s: %v", name, err)
			continue
		}
		wg.Add(2)
		go func(group string, h Handler) {
			defer wg.Done()
			b.consumeLoop(ctx, group, h)
		}(name, h)
		go func(group string, h Handler) {
			defer wg.Done()
			b.reclaimLoop(ctx, group, h)
		}(name, h)
	}
	wg.Wait()
}

// Close 关闭 Redis 连接
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) ensureGroup(ctx context.Context, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *RedisBus) consumeLoop(ctx context.Context, group string, h Handler) {
	consumerName := group + "-worker"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumerName,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    10,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Errorf("xreadgroup (%s): %v", group, err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.process(ctx, group, h, msg, 1)
			}
		}
	}
}

// reclaimLoop 周期性认领停留过久的 pending 消息：重投或死信
func (b *RedisBus) reclaimLoop(ctx context.Context, group string, h Handler) {
	consumerName := group + "-reclaimer"
	ticker := time.NewTicker(b.cfg.ClaimIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: b.cfg.Stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  50,
			Idle:   b.cfg.ClaimIdle,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Errorf("xpending (%s): %v", group, err)
			}
			continue
		}

		for _, p := range pending {
			claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   b.cfg.Stream,
				Group:    group,
				Consumer: consumerName,
				MinIdle:  b.cfg.ClaimIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(claimed) == 0 {
				continue
			}

			if int(p.RetryCount) >= b.cfg.MaxDeliveries {
				b.deadLetter(group, claimed[0], int(p.RetryCount), "delivery limit exceeded")
				b.ack(ctx, group, p.ID)
				continue
			}
			b.process(ctx, group, h, claimed[0], int(p.RetryCount))
		}
	}
}

func (b *RedisBus) process(ctx context.Context, group string, h Handler, msg redis.XMessage, attempt int) {
	raw, _ := msg.Values["event"].(string)
	ev, err := models.DecodeSyncEvent(raw)
	if err != nil {
		// 无法解析的载荷重试也解析不了，直接死信
		b.deadLetter(group, msg, attempt, fmt.Sprintf("malformed payload: %v", err))
		b.ack(ctx, group, msg.ID)
		return
	}

	if err := h(ctx, ev); err != nil {
		b.logger.Warnf("consumer %s failed on event %s (attempt %d): %v", group, ev.ID, attempt, err)
		// 不 ACK，留在 pending 列表等待认领循环重投
		return
	}
	b.ack(ctx, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, group, id string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, group, id).Err(); err != nil {
		b.logger.Errorf("xack %s (%s): %v", id, group, err)
	}
}

func (b *RedisBus) deadLetter(group string, msg redis.XMessage, attempts int, reason string) {
	raw, _ := msg.Values["event"].(string)
	dl := &models.DeadLetterEvent{
		Consumer:  group,
		Payload:   raw,
		Attempts:  attempts,
		LastError: reason,
	}
	if ev, err := models.DecodeSyncEvent(raw); err == nil {
		dl.EventID = ev.ID
		dl.IncidentID = ev.IncidentID
		dl.EventType = ev.Type
		dl.SourceSystem = ev.SourceSystem
	}
	if b.deadLetters == nil {
		b.logger.Errorf("no dead letter sink, dropping event %s for %s", msg.ID, group)
		return
	}
	if err := b.deadLetters.Save(dl); err != nil {
		b.logger.Errorf("save dead letter for %s: %v", group, err)
	}
}
