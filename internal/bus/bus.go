package bus

import (
	"context"

	"casebridge/internal/models"
)

// Handler 消费回调。返回错误表示本次投递失败，总线负责重投或进死信。
// 适配器应把事件当作“去重新拉取当前事实并调和”的信号，而不是盲目应用的增量，
// 因此至少一次投递与乱序重放都是安全的。
type Handler func(ctx context.Context, ev *models.SyncEvent) error

// Bus 发布/订阅扇出。投递语义：至少一次，按案例尽力有序。
type Bus interface {
	// Publish 发布事件，发布后事件不可变
	Publish(ctx context.Context, ev *models.SyncEvent) error
	// Subscribe 注册命名消费者，Run 之前调用
	Subscribe(consumer string, h Handler)
	// Run 启动消费循环，阻塞直至 ctx 取消
	Run(ctx context.Context)
	// Close 释放底层资源
	Close() error
}

// DeadLetterSink 重试耗尽事件的去处，必须可见（运维告警面）
type DeadLetterSink interface {
	Save(dl *models.DeadLetterEvent) error
}
