// Package pipeline 定义了文档入库的核心流程：提取文本、分块、写入远程索引。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"teki-go/internal/model"
	"teki-go/internal/repository"
	"teki-go/pkg/log"
	"teki-go/pkg/storage"
	"teki-go/pkg/tasks"
)

const (
	// MinContentLength 是提取文本（去除首尾空白后）的最小字符数。
	MinContentLength = 50
	// largeDocumentChunks 超过该分块数时记录一条警告。
	largeDocumentChunks = 20
)

// ErrProcessingInterrupted 是进程重启时仍处于中间状态的记录的错误信息。
var ErrProcessingInterrupted = errors.New("Processamento interrompido. Envie o arquivo novamente.")

// ErrContentTooShort 表示提取出的文本过短，通常意味着扫描件或空文档。
var ErrContentTooShort = errors.New("conteudo extraido muito curto (menos de 50 caracteres). Verifique o arquivo.")

// TextExtractor 从二进制文件中提取纯文本。
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileType string) (string, error)
}

// Indexer 是远程索引的写入端。
type Indexer interface {
	SaveObjects(ctx context.Context, records []model.IndexedChunkRecord) error
}

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	repo      repository.SolutionRepository
	extractor TextExtractor
	indexer   Indexer
	store     storage.Store
	chunkOpts []ChunkOption
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	repo repository.SolutionRepository,
	extractor TextExtractor,
	indexer Indexer,
	store storage.Store,
	chunkOpts ...ChunkOption,
) *Processor {
	return &Processor{
		repo:      repo,
		extractor: extractor,
		indexer:   indexer,
		store:     store,
		chunkOpts: chunkOpts,
	}
}

// HandleTask 按任务中的 id 加载记录与已保存的文件，然后执行 Process。
func (p *Processor) HandleTask(ctx context.Context, task tasks.SolutionProcessingTask) error {
	record, err := p.repo.Read(ctx, task.SolutionID)
	if err != nil {
		// 记录可能在处理前已被删除，此时没有可标记的对象
		return fmt.Errorf("carregar registro %s: %w", task.SolutionID, err)
	}

	fileName := task.FileName
	if fileName == "" {
		fileName = record.StoredFileName()
	}
	data, err := storage.ReadAll(ctx, p.store, fileName)
	if err != nil {
		err = fmt.Errorf("arquivo %s indisponivel: %w", fileName, err)
		p.markError(ctx, record.ID, err)
		return err
	}
	return p.Process(ctx, record, data)
}

// Process 是文件处理的主函数，驱动记录经过 extracting → indexing → indexed 状态。
// 任何失败（包括 panic）都会把记录标记为 error 并写入错误信息，不重试也不回滚已写入的分块。
func (p *Processor) Process(ctx context.Context, record *model.SolutionRecord, fileBytes []byte) (err error) {
	start := time.Now()
	log.Infof("[Processor] 开始处理文件, SolutionID: %s, FileName: %s, FileType: %s", record.ID, record.FileName, record.FileType)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Processor] 处理过程中发生 panic, SolutionID: %s, panic: %v", record.ID, r)
			err = fmt.Errorf("erro interno no processamento: %v", r)
		}
		if err != nil {
			p.markError(ctx, record.ID, err)
			runsTotal.WithLabelValues(string(model.StatusError)).Inc()
			return
		}
		runsTotal.WithLabelValues(string(model.StatusIndexed)).Inc()
		log.Infof("[Processor] 文件处理完成, SolutionID: %s, 耗时: %s", record.ID, time.Since(start))
	}()

	// 1. 提取文本
	log.Info("[Processor] 步骤1: 提取文本内容")
	if err := p.setStatus(ctx, record.ID, model.StatusExtracting); err != nil {
		return err
	}
	stageStart := time.Now()
	text, err := p.extractor.Extract(ctx, fileBytes, record.FileType)
	stageDuration.WithLabelValues("extract").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		log.Errorf("[Processor] 提取文本失败, SolutionID: %s, Error: %v", record.ID, err)
		return err
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinContentLength {
		log.Warnf("[Processor] 提取的文本过短, SolutionID: %s", record.ID)
		return ErrContentTooShort
	}
	log.Infof("[Processor] 步骤1: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 2. 文本分块
	if err := p.setStatus(ctx, record.ID, model.StatusIndexing); err != nil {
		return err
	}
	stageStart = time.Now()
	chunks := ChunkText(text, p.chunkOpts...)
	stageDuration.WithLabelValues("chunk").Observe(time.Since(stageStart).Seconds())
	log.Infof("[Processor] 步骤2: 文本分块完成, 共生成 %d 个分块", len(chunks))
	if len(chunks) > largeDocumentChunks {
		log.Warnf("[Processor] SolutionID: %s 生成了 %d 个分块 (documento extenso)", record.ID, len(chunks))
	}

	// 3. 构建远程索引记录
	records := BuildIndexRecords(record, chunks)

	// 4. 一次性写入远程索引
	log.Infof("[Processor] 步骤4: 写入远程索引, 共 %d 条记录", len(records))
	stageStart = time.Now()
	err = p.indexer.SaveObjects(ctx, records)
	stageDuration.WithLabelValues("index").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		log.Errorf("[Processor] 写入远程索引失败, SolutionID: %s, Error: %v", record.ID, err)
		return fmt.Errorf("falha ao indexar no indice remoto: %w", err)
	}
	chunksIndexedTotal.Add(float64(len(records)))

	// 5. 完成
	status := model.StatusIndexed
	total := len(chunks)
	if err := p.repo.Update(ctx, record.ID, model.SolutionUpdate{Status: &status, TotalChunks: &total}); err != nil {
		return fmt.Errorf("atualizar status do registro: %w", err)
	}
	return nil
}

// RecoverInterrupted 把所有非终态记录标记为 error，返回被标记的数量。
// 进程内派发的任务不会在重启后继续，启动时调用以免记录永远停留在 uploading/extracting/indexing。
func (p *Processor) RecoverInterrupted(ctx context.Context) (int, error) {
	records, err := p.repo.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("listar registros: %w", err)
	}
	n := 0
	for _, record := range records {
		if record.Status.IsTerminal() {
			continue
		}
		log.Warnf("[Processor] 记录停留在 %s 状态，标记为 error, SolutionID: %s", record.Status, record.ID)
		p.markError(ctx, record.ID, ErrProcessingInterrupted)
		n++
	}
	return n, nil
}

// BuildIndexRecords 为每个分块生成一条冗余了父记录元数据的索引记录。
func BuildIndexRecords(record *model.SolutionRecord, chunks []Chunk) []model.IndexedChunkRecord {
	records := make([]model.IndexedChunkRecord, 0, len(chunks))
	for _, chunk := range chunks {
		records = append(records, model.IndexedChunkRecord{
			ObjectID:       model.ChunkObjectID(record.ID, chunk.Index),
			SolutionID:     record.ID,
			Title:          record.Titulo,
			Description:    record.Descricao,
			Category:       record.Categoria,
			Tags:           record.Tags,
			RelatedSystems: record.SistemasRelacionados,
			Criticality:    string(record.Criticidade),
			Content:        chunk.Content,
			ChunkIndex:     chunk.Index,
			TotalChunks:    len(chunks),
			Author:         record.Author,
			CreatedAt:      record.CreatedAt,
			FileURL:        record.FileURL,
			FileType:       record.FileType,
			SourceType:     model.SourceTypeManualUpload,
		})
	}
	return records
}

func (p *Processor) setStatus(ctx context.Context, id string, status model.SolutionStatus) error {
	if err := p.repo.Update(ctx, id, model.SolutionUpdate{Status: &status}); err != nil {
		return fmt.Errorf("atualizar status para %s: %w", status, err)
	}
	return nil
}

// markError 将记录标记为 error。即使 ctx 已取消也要写入，记录不能停留在中间状态。
func (p *Processor) markError(ctx context.Context, id string, cause error) {
	status := model.StatusError
	msg := cause.Error()
	if msg == "" {
		msg = "Erro desconhecido no processamento"
	}
	if err := p.repo.Update(context.WithoutCancel(ctx), id, model.SolutionUpdate{Status: &status, ErrorMessage: &msg}); err != nil {
		log.Errorf("[Processor] 标记记录为 error 失败, SolutionID: %s, Error: %v", id, err)
	}
}
