// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"teki-go/internal/model"
	"teki-go/internal/pipeline"
	"teki-go/internal/repository"
	"teki-go/pkg/log"
	"teki-go/pkg/storage"
	"teki-go/pkg/tasks"
)

// MaxUploadSize 是单个上传文件的最大字节数（10 MiB）。
const MaxUploadSize = 10 << 20

// createAttempts 是生成 id 发生冲突时的最大尝试次数。
const createAttempts = 3

// allowedMIMETypes 将允许的上传 MIME 类型映射到存储使用的文件类型。
var allowedMIMETypes = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
}

// downloadMIMETypes 按扩展名决定下载时的 Content-Type。
var downloadMIMETypes = map[string]string{
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// ValidationError 表示上传请求本身不合法，应返回 400。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// UploadInput 是一次上传请求解析后的原始字段。
type UploadInput struct {
	Titulo               string
	Descricao            string
	Categoria            string
	Tags                 string // JSON 字符串数组，可为空
	SistemasRelacionados string // JSON 字符串数组，可为空
	Criticidade          string
	FileName             string
	ContentType          string
	Size                 int64
	Data                 []byte
}

// IndexDeleter 是远程索引的删除端。
type IndexDeleter interface {
	DeleteObjects(ctx context.Context, objectIDs []string) error
}

// DownloadFile 是一个待下载的已保存文件，调用方负责关闭 Content。
type DownloadFile struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.ReadCloser
}

// SolutionService 定义了知识库解决方案的业务操作。
type SolutionService interface {
	Upload(ctx context.Context, in UploadInput) (*model.SolutionRecord, error)
	List(ctx context.Context) ([]model.SolutionRecord, error)
	Get(ctx context.Context, id string) (*model.SolutionRecord, error)
	Delete(ctx context.Context, id string) error
	OpenUpload(ctx context.Context, filename string) (*DownloadFile, error)
}

type solutionService struct {
	repo       repository.SolutionRepository
	store      storage.Store
	index      IndexDeleter
	dispatcher pipeline.Dispatcher
	newID      func() string
	now        func() time.Time
}

// NewSolutionService 创建一个新的 SolutionService 实例。
func NewSolutionService(repo repository.SolutionRepository, store storage.Store, index IndexDeleter, dispatcher pipeline.Dispatcher) SolutionService {
	return &solutionService{
		repo:       repo,
		store:      store,
		index:      index,
		dispatcher: dispatcher,
		newID:      NewSolutionID,
		now:        time.Now,
	}
}

// NewSolutionID 生成 "sol_" 加 8 位十六进制的记录 id。
func NewSolutionID() string {
	return "sol_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Upload 校验请求、创建记录、保存文件并派发后台处理任务。返回时记录处于 uploading 状态。
func (s *solutionService) Upload(ctx context.Context, in UploadInput) (*model.SolutionRecord, error) {
	record, err := s.buildRecord(in)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		record.ID = s.newID()
		record.FileURL = "/api/uploads/" + record.StoredFileName()
		err = s.repo.Create(ctx, record)
		if !errors.Is(err, repository.ErrDuplicateID) || attempt >= createAttempts {
			break
		}
		log.Warnf("[SolutionService] 生成的 id 已存在, 重新生成, id: %s", record.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("criar registro: %w", err)
	}

	if err := s.store.Save(ctx, record.StoredFileName(), in.Data); err != nil {
		if _, delErr := s.repo.Delete(context.WithoutCancel(ctx), record.ID); delErr != nil {
			log.Errorf("[SolutionService] 回滚记录失败, id: %s, error: %v", record.ID, delErr)
		}
		return nil, fmt.Errorf("salvar arquivo: %w", err)
	}

	task := tasks.SolutionProcessingTask{SolutionID: record.ID, FileName: record.StoredFileName()}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		status := model.StatusError
		msg := "Falha ao agendar o processamento do documento"
		if upErr := s.repo.Update(context.WithoutCancel(ctx), record.ID, model.SolutionUpdate{Status: &status, ErrorMessage: &msg}); upErr != nil {
			log.Errorf("[SolutionService] 标记记录为 error 失败, id: %s, error: %v", record.ID, upErr)
		}
		return nil, fmt.Errorf("agendar processamento: %w", err)
	}

	log.Infof("[SolutionService] 上传成功, 已派发处理任务, id: %s, fileName: %s", record.ID, record.FileName)
	return record, nil
}

// buildRecord 校验上传字段并构造尚未分配 id 的记录。
func (s *solutionService) buildRecord(in UploadInput) (*model.SolutionRecord, error) {
	titulo := strings.TrimSpace(in.Titulo)
	descricao := strings.TrimSpace(in.Descricao)
	categoria := strings.TrimSpace(in.Categoria)
	if len(in.Data) == 0 || titulo == "" || descricao == "" || categoria == "" {
		return nil, invalid("Campos obrigatorios: titulo, descricao, categoria, arquivo")
	}

	fileType, ok := allowedMIMETypes[strings.ToLower(strings.TrimSpace(in.ContentType))]
	if !ok {
		return nil, invalid("Tipo de arquivo nao permitido. Use PDF, DOC ou DOCX.")
	}
	if in.Size > MaxUploadSize || int64(len(in.Data)) > MaxUploadSize {
		return nil, invalid("Arquivo excede o limite de 10MB.")
	}

	if !validCategory(categoria) {
		return nil, invalid("Categoria invalida. Use: " + strings.Join(model.Categories, ", "))
	}

	criticidade := model.CriticalityMedia
	if raw := strings.TrimSpace(in.Criticidade); raw != "" {
		criticidade = model.Criticality(raw)
		if !criticidade.Valid() {
			return nil, invalid("Criticidade invalida. Use baixa, media, alta ou critica.")
		}
	}

	tags, err := parseStringList(in.Tags, "tags")
	if err != nil {
		return nil, err
	}
	if len(tags) > model.MaxTags {
		return nil, invalid(fmt.Sprintf("Maximo de %d tags por solucao.", model.MaxTags))
	}
	sistemas, err := parseStringList(in.SistemasRelacionados, "sistemasRelacionados")
	if err != nil {
		return nil, err
	}

	return &model.SolutionRecord{
		Titulo:               titulo,
		Descricao:            descricao,
		Categoria:            categoria,
		Tags:                 tags,
		SistemasRelacionados: sistemas,
		Criticidade:          criticidade,
		Author:               model.DefaultAuthor,
		CreatedAt:            s.now().UTC(),
		FileType:             fileType,
		FileName:             path.Base(strings.ReplaceAll(in.FileName, "\\", "/")),
		Status:               model.StatusUploading,
		TotalChunks:          0,
	}, nil
}

func validCategory(c string) bool {
	for _, known := range model.Categories {
		if c == known {
			return true
		}
	}
	return false
}

// parseStringList 解析 JSON 字符串数组，去除空白项；空输入返回空切片。
func parseStringList(raw, field string) ([]string, error) {
	out := []string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, invalid(fmt.Sprintf("Campo %s deve ser um array JSON de textos.", field))
	}
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// List 返回全部记录，按创建时间倒序。
func (s *solutionService) List(ctx context.Context) ([]model.SolutionRecord, error) {
	records, err := s.repo.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Get 返回单条记录，不存在时返回 repository.ErrNotFound。
func (s *solutionService) Get(ctx context.Context, id string) (*model.SolutionRecord, error) {
	return s.repo.Read(ctx, id)
}

// Delete 依次删除远程索引中的分块、已保存的文件与元数据记录。
// 前两步失败只记录日志，元数据记录总会被删除。
func (s *solutionService) Delete(ctx context.Context, id string) error {
	record, err := s.repo.Read(ctx, id)
	if err != nil {
		return err
	}

	if record.TotalChunks > 0 {
		objectIDs := model.ChunkObjectIDs(record.ID, record.TotalChunks)
		if err := s.index.DeleteObjects(ctx, objectIDs); err != nil {
			log.Errorf("[SolutionService] 删除远程索引分块失败, id: %s, count: %d, error: %v", id, len(objectIDs), err)
		}
	}

	if err := s.store.Delete(ctx, record.StoredFileName()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Errorf("[SolutionService] 删除文件失败, id: %s, error: %v", id, err)
	}

	if _, err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	log.Infof("[SolutionService] 记录已删除, id: %s", id)
	return nil
}

// OpenUpload 打开一个已保存的文件。filename 只取基础文件名，且扩展名必须是 pdf、doc 或 docx。
func (s *solutionService) OpenUpload(ctx context.Context, filename string) (*DownloadFile, error) {
	safeName := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if safeName == "." || safeName == "/" || safeName == ".." {
		return nil, storage.ErrNotFound
	}

	// 上传目录中还可能有元数据文件，只允许下载文档类型
	contentType, ok := downloadMIMETypes[strings.ToLower(strings.TrimPrefix(path.Ext(safeName), "."))]
	if !ok {
		return nil, storage.ErrNotFound
	}

	content, size, err := s.store.Open(ctx, safeName)
	if err != nil {
		return nil, err
	}
	return &DownloadFile{Name: safeName, ContentType: contentType, Size: size, Content: content}, nil
}
