// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"teki-go/internal/repository"
	"teki-go/internal/service"
	"teki-go/pkg/log"
	"teki-go/pkg/storage"
)

// SolutionHandler 负责知识库解决方案的上传、查询、删除以及原始文件下载。
type SolutionHandler struct {
	solutionService service.SolutionService
}

// NewSolutionHandler 创建一个新的 SolutionHandler 实例。
func NewSolutionHandler(solutionService service.SolutionService) *SolutionHandler {
	return &SolutionHandler{solutionService: solutionService}
}

// Create 处理 multipart 上传，立即返回 201，文档在后台处理。
func (h *SolutionHandler) Create(c *gin.Context) {
	in := service.UploadInput{
		Titulo:               c.PostForm("titulo"),
		Descricao:            c.PostForm("descricao"),
		Categoria:            c.PostForm("categoria"),
		Tags:                 c.PostForm("tags"),
		SistemasRelacionados: c.PostForm("sistemasRelacionados"),
		Criticidade:          c.PostForm("criticidade"),
	}

	if fileHeader, err := c.FormFile("file"); err == nil {
		in.FileName = fileHeader.Filename
		in.ContentType = fileHeader.Header.Get("Content-Type")
		in.Size = fileHeader.Size

		file, err := fileHeader.Open()
		if err != nil {
			log.Errorf("[SolutionHandler] 打开上传文件失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro interno ao processar solucao"})
			return
		}
		// 多读一个字节，让超限的文件能被识别出来
		in.Data, err = io.ReadAll(io.LimitReader(file, service.MaxUploadSize+1))
		_ = file.Close()
		if err != nil {
			log.Errorf("[SolutionHandler] 读取上传文件失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro interno ao processar solucao"})
			return
		}
	}

	record, err := h.solutionService.Upload(c.Request.Context(), in)
	if err != nil {
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Message})
			return
		}
		log.Errorf("[SolutionHandler] 上传失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro interno ao processar solucao"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": record.ID, "status": record.Status})
}

// List 返回全部解决方案，按创建时间倒序。
func (h *SolutionHandler) List(c *gin.Context) {
	records, err := h.solutionService.List(c.Request.Context())
	if err != nil {
		log.Errorf("[SolutionHandler] 列出解决方案失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao listar solucoes"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// Get 返回单条解决方案。
func (h *SolutionHandler) Get(c *gin.Context) {
	record, err := h.solutionService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Solucao nao encontrada"})
			return
		}
		log.Errorf("[SolutionHandler] 读取解决方案失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao buscar solucao"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// Delete 级联删除远程索引分块、文件与元数据。
func (h *SolutionHandler) Delete(c *gin.Context) {
	if err := h.solutionService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Solucao nao encontrada"})
			return
		}
		log.Errorf("[SolutionHandler] 删除解决方案失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao excluir solucao"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Download 以附件形式返回已保存的原始文件。
func (h *SolutionHandler) Download(c *gin.Context) {
	file, err := h.solutionService.OpenUpload(c.Request.Context(), c.Param("filename"))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Errorf("[SolutionHandler] 打开文件失败: %v", err)
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Arquivo nao encontrado"})
		return
	}
	defer file.Content.Close()

	c.DataFromReader(http.StatusOK, file.Size, file.ContentType, file.Content, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, file.Name),
	})
}
