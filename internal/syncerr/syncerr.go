package syncerr

import (
	"errors"
	"fmt"
)

// Kind 同步错误分类，调用侧按分类分支而不是按异常身份分支
type Kind int

const (
	// KindTransient 网络抖动、超时等瞬态故障，按重试策略重试
	KindTransient Kind = iota
	// KindNotFound 映射或记录不存在。不是故障，驱动 create-vs-update 分支
	KindNotFound
	// KindMalformed 载荷无法解析，单个事件失败，不重试
	KindMalformed
	// KindRejected 外部系统拒绝写入（校验失败等），回写注释给人工介入
	KindRejected
	// KindConfig 凭证或参数缺失，快速失败，重试无意义
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindRejected:
		return "rejected"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error 带分类的同步错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E 构造带分类的错误
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef 构造带格式化消息的分类错误
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 提取错误分类，未分类的错误按瞬态处理（未知的网络错误可重试）
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsNotFound 记录不存在
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// Retriable 是否值得按重试策略重试。
// 超时按瞬态处理：调用可能在远端部分成功，幂等的 create-or-update 设计容忍重放。
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindMalformed, KindRejected, KindConfig, KindNotFound:
		return false
	default:
		return true
	}
}
