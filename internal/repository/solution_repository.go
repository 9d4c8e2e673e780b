// Package repository 定义了与数据存储进行数据交换的接口和实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"teki-go/internal/model"
	"teki-go/pkg/log"
)

var (
	// ErrNotFound 表示指定 id 的记录不存在。
	ErrNotFound = errors.New("solution not found")
	// ErrDuplicateID 表示写入的记录 id 已存在。
	ErrDuplicateID = errors.New("solution id already exists")
	// ErrClosed 表示仓库已关闭，不再接受写操作。
	ErrClosed = errors.New("solution repository closed")
)

// SolutionRepository 接口定义了解决方案元数据的持久化操作。
type SolutionRepository interface {
	// ReadAll 返回全部记录，不保证顺序，由调用方排序。
	ReadAll(ctx context.Context) ([]model.SolutionRecord, error)
	Read(ctx context.Context, id string) (*model.SolutionRecord, error)
	Create(ctx context.Context, record *model.SolutionRecord) error
	// Update 合并部分字段；id 不存在时不做任何事。
	Update(ctx context.Context, id string, update model.SolutionUpdate) error
	// Delete 删除并返回被删除的记录，不存在时返回 ErrNotFound。
	Delete(ctx context.Context, id string) (*model.SolutionRecord, error)
	Close() error
}

// jsonSolutionRepository 是 SolutionRepository 的单 JSON 文件实现。
// 所有写操作都通过 queue 交给同一个 goroutine 依次执行（读取整个文件 → 内存中修改 → 整体写回），
// 从而避免同一进程内并发写导致的更新丢失。跨进程写同一个文件不受保护。
type jsonSolutionRepository struct {
	path      string
	queue     chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSolutionRepository 创建一个以 path 指向的 JSON 文件为存储的仓库，并启动写队列。
func NewSolutionRepository(path string) SolutionRepository {
	r := &jsonSolutionRepository{
		path:   path,
		queue:  make(chan func()),
		closed: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *jsonSolutionRepository) run() {
	defer r.wg.Done()
	for {
		select {
		case op := <-r.queue:
			op()
		case <-r.closed:
			return
		}
	}
}

// enqueue 将写操作排入队列并等待其完成。
// queue 无缓冲，被阻塞的发送方按到达顺序被唤醒，写操作因此先进先出。
func (r *jsonSolutionRepository) enqueue(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	op := func() { errCh <- fn() }
	select {
	case r.queue <- op:
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errCh
}

// load 读取整个元数据文件；文件不存在或内容损坏时视为空集合。
func (r *jsonSolutionRepository) load() []model.SolutionRecord {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("[SolutionRepository] 读取元数据文件失败, 按空集合处理, path: %s, error: %v", r.path, err)
		}
		return []model.SolutionRecord{}
	}
	var records []model.SolutionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warnf("[SolutionRepository] 元数据文件内容无法解析, 按空集合处理, path: %s, error: %v", r.path, err)
		return []model.SolutionRecord{}
	}
	return records
}

// persist 原子地写回整个文件：临时文件 → fsync → rename。
func (r *jsonSolutionRepository) persist(records []model.SolutionRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化元数据失败: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("创建元数据目录 %s 失败: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync 临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("替换元数据文件失败: %w", err)
	}
	return nil
}

// ReadAll 返回全部记录。读操作不经过写队列，写回采用 rename，读到的总是完整的文件。
func (r *jsonSolutionRepository) ReadAll(_ context.Context) ([]model.SolutionRecord, error) {
	return r.load(), nil
}

// Read 根据 id 查找单条记录。
func (r *jsonSolutionRepository) Read(_ context.Context, id string) (*model.SolutionRecord, error) {
	for _, rec := range r.load() {
		if rec.ID == id {
			found := rec
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

// Create 追加一条新记录。
func (r *jsonSolutionRepository) Create(ctx context.Context, record *model.SolutionRecord) error {
	return r.enqueue(ctx, func() error {
		records := r.load()
		for _, rec := range records {
			if rec.ID == record.ID {
				return ErrDuplicateID
			}
		}
		records = append(records, *record)
		return r.persist(records)
	})
}

// Update 根据 id 合并部分字段。
func (r *jsonSolutionRepository) Update(ctx context.Context, id string, update model.SolutionUpdate) error {
	return r.enqueue(ctx, func() error {
		records := r.load()
		for i := range records {
			if records[i].ID == id {
				update.Apply(&records[i])
				return r.persist(records)
			}
		}
		return nil
	})
}

// Delete 删除指定 id 的记录并返回它。
func (r *jsonSolutionRepository) Delete(ctx context.Context, id string) (*model.SolutionRecord, error) {
	var removed *model.SolutionRecord
	err := r.enqueue(ctx, func() error {
		records := r.load()
		for i := range records {
			if records[i].ID == id {
				found := records[i]
				records = append(records[:i], records[i+1:]...)
				if err := r.persist(records); err != nil {
					return err
				}
				removed = &found
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Close 停止写队列；已经开始执行的写操作会先完成。
func (r *jsonSolutionRepository) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.wg.Wait()
	return nil
}
