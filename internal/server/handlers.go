package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/dropcode/dropcode/internal/share"
	"github.com/dropcode/dropcode/internal/storage"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Share status values exposed to the front-end
const (
	StatusFound             = "found"
	StatusNotFound          = "not_found"
	StatusExpired           = "expired"
	StatusAlreadyDownloaded = "already_downloaded"
	StatusInvalidCode       = "invalid_code"
	StatusStorageError      = "storage_error"
)

// APIResponse is the JSON envelope for all API endpoints
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CreateShareResponse is returned after a successful upload
type CreateShareResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	Filename  string    `json:"filename"`
	FileSize  int64     `json:"fileSize"`
	FileType  string    `json:"fileType"`
}

// ResolveResponse classifies a code lookup
type ResolveResponse struct {
	Status   string       `json:"status"`
	Metadata *share.Share `json:"metadata,omitempty"`
}

// maxMultipartMemory bounds the in-memory part of multipart parsing;
// larger files spill to temp files.
const maxMultipartMemory = 32 << 20

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	if s.config.Share.MaxFileSize > 0 {
		// Reserve headroom for the multipart framing around the file part
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Share.MaxFileSize+maxMultipartMemory)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart upload with a 'file' part is required")
		return
	}
	defer file.Close()

	fileType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(fileType); err == nil {
		fileType = mediaType
	}

	created, err := s.shareManager.CreateShare(r.Context(), header.Filename, fileType, file)
	if err != nil {
		s.writeShareError(w, err)
		return
	}

	s.metricsManager.ShareCreated()

	writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data: CreateShareResponse{
			Code:      created.Code,
			ExpiresAt: created.ExpiresAt,
			Filename:  created.Filename,
			FileSize:  created.FileSize,
			FileType:  created.FileType,
		},
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	resolved, err := s.shareManager.Resolve(r.Context(), code)
	status, httpStatus := classifyShareError(err)
	s.metricsManager.ResolveObserved(status)

	if err != nil {
		writeJSON(w, httpStatus, APIResponse{
			Success: false,
			Data:    ResolveResponse{Status: status},
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    ResolveResponse{Status: StatusFound, Metadata: resolved},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	blob, downloaded, err := s.shareManager.CompleteDownload(r.Context(), code)
	status, httpStatus := classifyShareError(err)
	s.metricsManager.DownloadObserved(status)

	if err != nil {
		writeJSON(w, httpStatus, APIResponse{
			Success: false,
			Data:    ResolveResponse{Status: status},
			Error:   err.Error(),
		})
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", downloaded.FileType)
	w.Header().Set("Content-Length", strconv.FormatInt(downloaded.FileSize, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloaded.Filename}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, blob); err != nil {
		// The share is already consumed; an interrupted transfer loses the
		// payload rather than allowing a second attempt.
		logrus.WithError(err).WithField("code", code).Warn("Download transfer interrupted")
	}
}

func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}

	png, err := s.shareManager.QRCode(r.Context(), code, size)
	if err != nil {
		s.writeShareError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory_used_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats["cpu_used_percent"] = percents[0]
	}
	if du, err := disk.Usage(s.config.DataDir); err == nil {
		stats["disk_used_percent"] = du.UsedPercent
		stats["disk_free_bytes"] = du.Free
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: stats})
}

// classifyShareError maps coordinator errors to the exposed status set and
// an HTTP status code
func classifyShareError(err error) (string, int) {
	switch {
	case err == nil:
		return StatusFound, http.StatusOK
	case errors.Is(err, share.ErrInvalidCode):
		return StatusInvalidCode, http.StatusBadRequest
	case errors.Is(err, share.ErrShareNotFound):
		return StatusNotFound, http.StatusNotFound
	case errors.Is(err, share.ErrShareExpired):
		return StatusExpired, http.StatusGone
	case errors.Is(err, share.ErrAlreadyDownloaded):
		return StatusAlreadyDownloaded, http.StatusGone
	default:
		return StatusStorageError, http.StatusBadGateway
	}
}

// writeShareError renders non-status errors (upload validation, code space,
// storage failures)
func (s *Server) writeShareError(w http.ResponseWriter, err error) {
	var storageErr *storage.StorageError

	switch {
	case errors.Is(err, share.ErrInvalidCode),
		errors.Is(err, share.ErrInvalidInput),
		errors.Is(err, share.ErrFileTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, share.ErrShareNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, share.ErrShareExpired),
		errors.Is(err, share.ErrAlreadyDownloaded):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, share.ErrCodeSpaceExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &storageErr):
		logrus.WithError(err).Error("Storage backend failure")
		writeError(w, http.StatusBadGateway, "storage backend unavailable")
	default:
		logrus.WithError(err).Error("Internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Error: message})
}
