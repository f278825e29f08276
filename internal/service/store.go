package service

import (
	"context"
	"errors"
	"time"
)

// storeCtx 为一次存储调用派生带上限的 context，避免请求被无限挂起。
func storeCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// mapStoreErr 把超时归一为 ErrStoreUnavailable，其余原样返回。
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStoreUnavailable
	}
	return err
}

// retryRead 只用于幂等读：瞬时不可用时重试一次。
// 每次尝试派生各自的限时 context，第一次耗尽的时限不连累第二次。
// 写操作（发消息、接受请求）绝不重试，避免重复处理。
func retryRead(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	rctx, cancel := storeCtx(ctx, timeout)
	err := fn(rctx)
	cancel()
	if errors.Is(err, ErrStoreUnavailable) {
		rctx, cancel = storeCtx(ctx, timeout)
		err = fn(rctx)
		cancel()
	}
	return err
}
