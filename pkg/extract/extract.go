// Package extract 负责从上传的二进制文档中提取纯文本。
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"teki-go/pkg/log"
	"teki-go/pkg/tika"
)

// ErrUnsupportedFileType 表示文件类型不在 pdf、doc、docx 之内。
var ErrUnsupportedFileType = errors.New("tipo de arquivo nao suportado")

// ExtractionError 表示解析器无法读取文件内容（文件损坏、加密等）。
type ExtractionError struct {
	FileType string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("falha ao extrair texto do arquivo %s: %v", e.FileType, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor 按文件类型选择解析器。
type Extractor struct {
	tika    *tika.Client
	timeout time.Duration
	// slots 限制同时运行的解析 goroutine 数量，超时返回后仍在收尾的解析也占用名额
	slots *semaphore.Weighted
}

// Option 配置 Extractor。
type Option func(*Extractor)

// WithMaxConcurrentParses 设置同时运行的解析器上限，默认为 CPU 数。
func WithMaxConcurrentParses(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewExtractor 创建 Extractor。tikaClient 可为 nil，此时 .doc 文件无法提取。
// timeout 为 0 表示不限制提取时长。
func NewExtractor(tikaClient *tika.Client, timeout time.Duration, opts ...Option) *Extractor {
	e := &Extractor{
		tika:    tikaClient,
		timeout: timeout,
		slots:   semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type extractResult struct {
	text string
	err  error
}

type parseFunc func(context.Context, []byte) (string, error)

// Extract 从 data 中提取纯文本。fileType 不区分大小写。
// 解析器在独立的 goroutine 中运行，ctx 取消或超时后立即返回，解析器内的 panic 会被转换为 ExtractionError。
// 解析器在页或 XML token 边界检查 ctx，超时后很快退出并归还名额。
func (e *Extractor) Extract(ctx context.Context, data []byte, fileType string) (string, error) {
	fileType = strings.ToLower(strings.TrimPrefix(fileType, "."))
	parse, ok := e.parserFor(fileType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, fileType)
	}
	return e.run(ctx, fileType, data, parse)
}

func (e *Extractor) run(ctx context.Context, fileType string, data []byte, parse parseFunc) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return "", &ExtractionError{FileType: fileType, Err: err}
	}

	done := make(chan extractResult, 1)
	go func() {
		defer e.slots.Release(1)
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[Extractor] 解析 %s 文件时发生 panic: %v", fileType, r)
				done <- extractResult{err: &ExtractionError{FileType: fileType, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		text, err := parse(ctx, data)
		if err != nil {
			var extErr *ExtractionError
			if !errors.As(err, &extErr) {
				err = &ExtractionError{FileType: fileType, Err: err}
			}
		}
		done <- extractResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", &ExtractionError{FileType: fileType, Err: ctx.Err()}
	}
}

func (e *Extractor) parserFor(fileType string) (parseFunc, bool) {
	switch fileType {
	case "pdf":
		return extractPDF, true
	case "docx":
		return extractDOCX, true
	case "doc":
		return e.extractDOC, true
	}
	return nil, false
}

// extractDOC 将旧版二进制 Word 文档交给 Tika 服务器处理。
func (e *Extractor) extractDOC(ctx context.Context, data []byte) (string, error) {
	if !e.tika.Enabled() {
		return "", fmt.Errorf("arquivos .doc exigem um servidor Tika configurado: %w", tika.ErrNotConfigured)
	}
	return e.tika.ExtractText(ctx, bytes.NewReader(data), "document.doc")
}
