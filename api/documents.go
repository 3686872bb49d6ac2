package api

import (
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tutorqa_back/authorization"
	"tutorqa_back/knowledge"
	"tutorqa_back/parser"
	"tutorqa_back/storage"
)

const downloadURLExpiry = 15 * time.Minute

// presigner is implemented by blob stores that can hand out direct links.
type presigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

var contentTypes = map[parser.Format]string{
	parser.FormatPDF:  "application/pdf",
	parser.FormatDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	parser.FormatPPTX: "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// handleUploadDocument godoc
// @Summary 上传文档
// @Description 上传 PDF、DOCX 或 PPTX 文件，保存后进入异步解析与向量化流程
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "文档文件"
// @Param description formData string false "文档说明"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 413 {object} map[string]string
// handleUploadDocument 保存上传的文件并创建 UPLOADING 状态的文档。
func (m *Module) handleUploadDocument(c *gin.Context) {
	if m == nil || m.documents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document service not available"})
		return
	}
	identity, ok := authorization.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	data, err := readUpload(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	log.Printf("api: upload %q (%d bytes) by %s", fileHeader.Filename, len(data), identity.UserID)
	doc, err := m.documents.Upload(c.Request.Context(), knowledge.UploadInput{
		OwnerID:     identity.UserID,
		Filename:    fileHeader.Filename,
		Description: c.PostForm("description"),
		Data:        data,
	})
	if err != nil {
		respondError(c, err, "failed to upload document")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "文件上传成功，正在处理中", "document": doc})
}

func readUpload(fileHeader *multipart.FileHeader) ([]byte, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// handleListDocuments godoc
// @Summary 列出文档
// @Description 返回当前用户的文档，管理员返回全部文档或 owner 参数指定用户的文档
// @Tags Documents
// @Produce json
// @Param owner query string false "文档所有者（仅管理员）"
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// handleListDocuments 按上传时间倒序列出文档。
func (m *Module) handleListDocuments(c *gin.Context) {
	if m == nil || m.documents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document service not available"})
		return
	}
	identity, ok := authorization.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	owners := []string{identity.UserID}
	if identity.HasRole("ADMIN") {
		owners = nil
		if owner := strings.TrimSpace(c.Query("owner")); owner != "" {
			owners = []string{owner}
		}
	}

	documents, err := m.documents.List(c.Request.Context(), owners)
	if err != nil {
		respondError(c, err, "failed to list documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": documents})
}

// handleDocumentStats godoc
// @Summary 文档状态统计
// @Tags Documents
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 401 {object} map[string]string
// handleDocumentStats 统计当前用户各状态的文档数量。
func (m *Module) handleDocumentStats(c *gin.Context) {
	if m == nil || m.documents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document service not available"})
		return
	}
	identity, ok := authorization.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	counts, err := m.documents.StatusCounts(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, err, "failed to count documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// handleGetDocument godoc
// @Summary 获取文档详情
// @Description 返回文档状态、分块数量与错误信息
// @Tags Documents
// @Produce json
// @Param id path string true "文档 ID"
// @Success 200 {object} map[string]any
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// handleGetDocument 返回单个文档。
func (m *Module) handleGetDocument(c *gin.Context) {
	doc, ok := m.ownedDocument(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

// handleListChunks godoc
// @Summary 列出文档分块
// @Tags Documents
// @Produce json
// @Param id path string true "文档 ID"
// @Success 200 {object} map[string]any
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// handleListChunks 按分块序号返回文档的全部分块。
func (m *Module) handleListChunks(c *gin.Context) {
	doc, ok := m.ownedDocument(c)
	if !ok {
		return
	}
	chunks, err := m.documents.Chunks(c.Request.Context(), doc.ID)
	if err != nil {
		respondError(c, err, "failed to list chunks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// handleDownloadDocument godoc
// @Summary 下载原始文件
// @Description 对象存储返回带时效的签名地址重定向，本地存储直接返回文件内容
// @Tags Documents
// @Produce octet-stream
// @Param id path string true "文档 ID"
// @Success 200 {file} file
// @Success 302 ""
// @Failure 404 {object} map[string]string
// handleDownloadDocument 下载文档原件。
func (m *Module) handleDownloadDocument(c *gin.Context) {
	doc, ok := m.ownedDocument(c)
	if !ok {
		return
	}
	if m.blobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage not available"})
		return
	}
	ctx := c.Request.Context()

	if signer, ok := m.blobs.(presigner); ok {
		link, err := signer.PresignedURL(ctx, doc.StoragePath, downloadURLExpiry)
		if err == nil {
			c.Redirect(http.StatusFound, link)
			return
		}
		log.Printf("api: presign %s failed, streaming instead: %v", doc.ID, err)
	}

	reader, err := m.blobs.Open(ctx, doc.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		log.Printf("api: open blob for %s: %v", doc.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}
	defer reader.Close()

	contentType, ok := contentTypes[doc.FileType]
	if !ok {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, doc.FileSize, contentType, reader, map[string]string{
		"Content-Disposition": "attachment; filename*=UTF-8''" + url.PathEscape(doc.Filename),
	})
}

// handleDeleteDocument godoc
// @Summary 删除文档
// @Description 删除文档记录、分块、向量与原始文件
// @Tags Documents
// @Param id path string true "文档 ID"
// @Success 204 ""
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// handleDeleteDocument 删除指定文档。
func (m *Module) handleDeleteDocument(c *gin.Context) {
	doc, ok := m.ownedDocument(c)
	if !ok {
		return
	}
	if err := m.documents.Delete(c.Request.Context(), doc.ID); err != nil {
		respondError(c, err, "failed to delete document")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleReprocessDocument godoc
// @Summary 重新处理文档
// @Description 丢弃已有分块与向量，把已结束处理的文档重新排入队列
// @Tags Documents
// @Produce json
// @Param id path string true "文档 ID"
// @Success 202 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// handleReprocessDocument 重新排队处理文档。
func (m *Module) handleReprocessDocument(c *gin.Context) {
	doc, ok := m.ownedDocument(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := m.documents.Reprocess(ctx, doc.ID); err != nil {
		respondError(c, err, "failed to reprocess document")
		return
	}
	refreshed, err := m.documents.Get(ctx, doc.ID)
	if err != nil {
		respondError(c, err, "failed to load document")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"document": refreshed})
}

// handleCleanupDocuments godoc
// @Summary 清理卡住的文档
// @Description 把超过时限仍处于 UPLOADING 状态的文档标记为失败
// @Tags Documents
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 403 {object} map[string]string
// handleCleanupDocuments 立即执行一次超时清理。
func (m *Module) handleCleanupDocuments(c *gin.Context) {
	if m == nil || m.documents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document service not available"})
		return
	}
	cleaned, err := m.documents.SweepStale(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to clean up documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": cleaned})
}

// ownedDocument loads the :id document and checks the caller owns it or is
// an admin. It answers the request itself when it returns false.
func (m *Module) ownedDocument(c *gin.Context) (*knowledge.Document, bool) {
	if m == nil || m.documents == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document service not available"})
		return nil, false
	}
	identity, ok := authorization.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}

	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return nil, false
	}
	doc, err := m.documents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "failed to load document")
		return nil, false
	}
	if doc.OwnerID != identity.UserID && !identity.HasRole("ADMIN") {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return nil, false
	}
	return doc, true
}
