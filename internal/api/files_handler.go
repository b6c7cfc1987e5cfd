package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"filegate/internal/middleware"
	"filegate/internal/repository"
	"filegate/internal/service"

	"github.com/go-chi/chi/v5"
)

// FileHandler 提供上传门禁相关的 HTTP 端点。
type FileHandler struct {
	service *service.FileService
}

func NewFileHandler(s *service.FileService) *FileHandler {
	return &FileHandler{service: s}
}

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

type initiateRequest struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	SizeBytes      int64  `json:"size_bytes"`
}

// InitiateUpload 申报一次上传并签发限时上传能力。
func (h *FileHandler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.service.Initiate(r.Context(), requesterFrom(r), service.InitiateInput{
		Filename:       req.Filename,
		DeclaredType:   req.ContentType,
		DeclaredSHA256: req.ChecksumSHA256,
		DeclaredSize:   req.SizeBytes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Data: result})
}

// CompleteUpload 触发完成校验并返回文件的最新状态。
func (h *FileHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return
	}

	state, err := h.service.Complete(r.Context(), requesterFrom(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"file_id": id, "state": state}})
}

// IssueDownload 签发限时下载能力。
func (h *FileHandler) IssueDownload(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return
	}

	grant, err := h.service.IssueDownload(r.Context(), requesterFrom(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: grant})
}

// GetFile 返回文件元数据。
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return
	}

	record, err := h.service.GetFile(r.Context(), requesterFrom(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: record})
}

// ListFiles 返回发起方名下的文件集合。
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil {
			limit = v
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if v, err := strconv.Atoi(offsetStr); err == nil {
			offset = v
		}
	}

	var states []repository.FileState
	raw := r.URL.Query()["state"]
	if len(raw) == 0 {
		if combined := r.URL.Query().Get("states"); combined != "" {
			raw = strings.Split(combined, ",")
		}
	}
	for _, value := range raw {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		states = append(states, repository.FileState(trimmed))
	}

	files, err := h.service.ListFiles(r.Context(), requesterFrom(r), states, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: files})
}

// requesterFrom 把鉴权身份和请求来源组装为服务层的发起方。
func requesterFrom(r *http.Request) service.Requester {
	identity, _ := middleware.GetIdentity(r.Context())
	return service.Requester{
		Subject:   identity.Subject,
		Role:      identity.Role,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// writeServiceError 把服务层错误分类映射为 HTTP 状态码。
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "quota exceeded")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNotActive):
		writeError(w, http.StatusForbidden, "file not available for download")
	case errors.Is(err, service.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "temporary storage failure, retry later")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}
