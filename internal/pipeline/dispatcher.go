package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"teki-go/pkg/log"
	"teki-go/pkg/tasks"
)

// cancelGrace 是取消在途任务后等待它们写入终态的时间。
const cancelGrace = 2 * time.Second

// ErrDispatcherClosed 表示分发器已关闭，不再接受新任务。
var ErrDispatcherClosed = errors.New("dispatcher closed")

// TaskHandler 执行一个处理任务，Processor 实现了该接口。
type TaskHandler interface {
	HandleTask(ctx context.Context, task tasks.SolutionProcessingTask) error
}

// Dispatcher 将处理任务交给后台执行，Dispatch 本身不等待处理完成。
type Dispatcher interface {
	Dispatch(ctx context.Context, task tasks.SolutionProcessingTask) error
}

// LocalDispatcher 在进程内的 goroutine 中执行任务，并跟踪所有在途任务以便优雅关闭。
type LocalDispatcher struct {
	handler TaskHandler
	grace   time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalDispatcher 创建 LocalDispatcher。
func NewLocalDispatcher(handler TaskHandler) *LocalDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{handler: handler, grace: cancelGrace, baseCtx: ctx, cancel: cancel}
}

// Dispatch 启动一个后台任务。任务不继承调用方的 ctx，请求结束后任务继续运行。
func (d *LocalDispatcher) Dispatch(_ context.Context, task tasks.SolutionProcessingTask) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[Dispatcher] 任务发生 panic, SolutionID: %s, panic: %v", task.SolutionID, r)
			}
		}()
		if err := d.handler.HandleTask(d.baseCtx, task); err != nil {
			log.Errorf("[Dispatcher] 任务失败, SolutionID: %s, Error: %v", task.SolutionID, err)
		}
	}()
	return nil
}

// Shutdown 停止接受新任务并等待在途任务完成。
// ctx 到期时取消在途任务的 context，再最多等待 grace 让任务把记录标记为 error，然后返回 ctx.Err()。
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		log.Warnf("[Dispatcher] 等待在途任务超时，已取消剩余任务")
		select {
		case <-done:
		case <-time.After(d.grace):
			log.Errorf("[Dispatcher] 取消后仍有任务未退出")
		}
		return ctx.Err()
	}
}
