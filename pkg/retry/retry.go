package retry

import (
	"context"
	"time"

	"casebridge/internal/syncerr"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Policy 指数退避重试策略。所有出站外部调用都应经过 Do 包装。
type Policy struct {
	MaxAttempts uint64        `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultPolicy 默认重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Do 以策略 p 重试 op。延迟按 BaseDelay 起步倍增，封顶 MaxDelay，
// 并带随机抖动避免雪崩。syncerr.Retriable 判定为不可重试的错误立即返回。
func Do(ctx context.Context, p Policy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0 // 次数由 WithMaxRetries 限制

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !syncerr.Retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}

// DoLogged 同 Do，每次失败记一条 warning，便于观察重试轨迹
func DoLogged(ctx context.Context, p Policy, logger *logrus.Logger, op string, fn func() error) error {
	attempt := 0
	return Do(ctx, p, func() error {
		attempt++
		err := fn()
		if err != nil && syncerr.Retriable(err) {
			logger.Warnf("%s failed on attempt %d: %v", op, attempt, err)
		}
		return err
	})
}
