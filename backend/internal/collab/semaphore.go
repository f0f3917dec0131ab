package collab

import (
	"context"
	"errors"
	"fmt"
)

// 同时在途的编辑提交/发送上限
const maxConcurrentOps = 100

// SemaphoreControl：计数信号量，给编辑提交和 Kafka 发送限流。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl() *SemaphoreControl {
	return &SemaphoreControl{ch: make(chan struct{}, maxConcurrentOps)}
}

// Acquire 占用一个槽位，ctx 超时/取消前拿不到就放弃。
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire semaphore: %w", ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release without matching acquire")
	}
}
