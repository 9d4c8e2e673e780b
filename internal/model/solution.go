// Package model 定义了知识库解决方案及其索引分块的数据结构。
package model

import (
	"fmt"
	"time"
)

// SolutionStatus 表示一条解决方案记录在处理管道中的生命周期状态。
type SolutionStatus string

const (
	StatusUploading  SolutionStatus = "uploading"
	StatusExtracting SolutionStatus = "extracting"
	StatusIndexing   SolutionStatus = "indexing"
	StatusIndexed    SolutionStatus = "indexed"
	StatusError      SolutionStatus = "error"
)

// IsTerminal 判断状态是否为终态（indexed 或 error）。
func (s SolutionStatus) IsTerminal() bool {
	return s == StatusIndexed || s == StatusError
}

// Criticality 是用户为解决方案指定的严重程度。
type Criticality string

const (
	CriticalityBaixa   Criticality = "baixa"
	CriticalityMedia   Criticality = "media"
	CriticalityAlta    Criticality = "alta"
	CriticalityCritica Criticality = "critica"
)

// Valid 判断严重程度是否为已知枚举值。
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityBaixa, CriticalityMedia, CriticalityAlta, CriticalityCritica:
		return true
	}
	return false
}

// Categories 是允许的解决方案分类。
var Categories = []string{
	"Infraestrutura",
	"Banco de Dados",
	"ERP",
	"Fluig",
	"GLPI",
	"Rede",
	"Outro",
}

// MaxTags 是单条解决方案允许的最大标签数。
const MaxTags = 10

// DefaultAuthor 是上传记录的默认作者。
const DefaultAuthor = "Tecnico"

// SolutionRecord 是一份上传到知识库的文档及其元数据。
// 它以 JSON 数组的形式保存在元数据文件中。
type SolutionRecord struct {
	ID                   string         `json:"id"`
	Titulo               string         `json:"titulo"`
	Descricao            string         `json:"descricao"`
	Categoria            string         `json:"categoria"`
	Tags                 []string       `json:"tags"`
	SistemasRelacionados []string       `json:"sistemasRelacionados"`
	Criticidade          Criticality    `json:"criticidade"`
	Author               string         `json:"author"`
	CreatedAt            time.Time      `json:"createdAt"`
	FileURL              string         `json:"fileUrl"`
	FileType             string         `json:"fileType"`
	FileName             string         `json:"fileName"`
	Status               SolutionStatus `json:"status"`
	TotalChunks          int            `json:"totalChunks"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
}

// StoredFileName 返回存储二进制文件时使用的文件名：{id}.{fileType}。
func (r *SolutionRecord) StoredFileName() string {
	return r.ID + "." + r.FileType
}

// SolutionUpdate 描述对记录的部分更新，nil 字段保持不变。
type SolutionUpdate struct {
	Status       *SolutionStatus
	TotalChunks  *int
	ErrorMessage *string
}

// Apply 将非空字段合并到记录上。
func (u SolutionUpdate) Apply(r *SolutionRecord) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.TotalChunks != nil {
		r.TotalChunks = *u.TotalChunks
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = *u.ErrorMessage
	}
}

// SourceTypeManualUpload 标记分块来源于人工上传。
const SourceTypeManualUpload = "manual_upload"

// IndexedChunkRecord 是写入远程索引的分块文档，冗余了父记录的元数据。
type IndexedChunkRecord struct {
	ObjectID       string    `json:"objectID"`
	SolutionID     string    `json:"solution_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Category       string    `json:"category"`
	Tags           []string  `json:"tags"`
	RelatedSystems []string  `json:"related_systems"`
	Criticality    string    `json:"criticality"`
	Content        string    `json:"content"`
	ChunkIndex     int       `json:"chunk_index"`
	TotalChunks    int       `json:"total_chunks"`
	Author         string    `json:"author"`
	CreatedAt      time.Time `json:"created_at"`
	FileURL        string    `json:"file_url"`
	FileType       string    `json:"file_type"`
	SourceType     string    `json:"source_type"`
}

// ChunkObjectID 返回分块在远程索引中的对象 ID：{solutionID}_chunk_{n}。
// 同一记录重复处理时生成相同的 ID，远程索引按覆盖语义写入。
func ChunkObjectID(solutionID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", solutionID, index)
}

// ChunkObjectIDs 返回一条记录全部 totalChunks 个分块的对象 ID。totalChunks <= 0 时返回 nil。
func ChunkObjectIDs(solutionID string, totalChunks int) []string {
	if totalChunks <= 0 {
		return nil
	}
	ids := make([]string, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		ids = append(ids, ChunkObjectID(solutionID, i))
	}
	return ids
}
