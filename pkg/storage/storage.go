// Package storage 负责保存上传的二进制文件，支持本地目录与 MinIO 两种后端。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound 表示文件不存在。
var ErrNotFound = errors.New("stored file not found")

// Store 按文件名（{id}.{fileType}）保存和读取二进制文件。
type Store interface {
	Save(ctx context.Context, name string, data []byte) error
	// Open 返回文件内容与大小，调用方负责关闭。
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	// Delete 删除文件；文件不存在时返回 ErrNotFound。
	Delete(ctx context.Context, name string) error
}

// ReadAll 读取整个文件。
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	rc, _, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
