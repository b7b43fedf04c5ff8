package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/bioverify/internal/config"
	"github.com/andresmejia3/bioverify/internal/logger"
	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/andresmejia3/bioverify/internal/store"
	"github.com/andresmejia3/bioverify/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxUploadBytes caps multipart video uploads.
const MaxUploadBytes = 100 << 20

const (
	defaultListLimit = 50
	signedURLTTL     = time.Hour
)

// AnalysisStore is the slice of the analysis store the API uses.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, id, inputURI, policyName, evidencePrefix string) (store.Analysis, error)
	GetAnalysis(ctx context.Context, id string) (store.Analysis, error)
	ListAnalyses(ctx context.Context, limit int) ([]store.Analysis, error)
	FailAnalysis(ctx context.Context, id, code, message string, result any) error
}

// Enqueuer submits analysis jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job worker.JobSpec) (string, error)
}

type Handler struct {
	store   AnalysisStore
	queue   Enqueuer
	storage storage.Storage
	log     *zap.Logger
}

func NewHandler(s AnalysisStore, q Enqueuer, st storage.Storage, log *zap.Logger) *Handler {
	return &Handler{store: s, queue: q, storage: st, log: logger.OrNop(log)}
}

type createRequest struct {
	InputURI   string `json:"input_uri" binding:"required"`
	PolicyName string `json:"policy_name"`
}

// AnalysisResponse is an analysis row plus a signed link to its evidence
// index once it is done.
type AnalysisResponse struct {
	store.Analysis
	EvidenceURL string `json:"evidence_url,omitempty"`
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

// HandleCreateAnalysis accepts either a JSON body naming a storage key, or a
// multipart upload with the clip in the "video" field.
func (h *Handler) HandleCreateAnalysis(c *gin.Context) {
	id := uuid.NewString()

	var req createRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		key, err := h.saveUpload(c, id)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		req = createRequest{InputURI: key, PolicyName: c.PostForm("policy_name")}
		if req.PolicyName == "" {
			req.PolicyName = c.Query("policy_name")
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("invalid request: %v", err)))
		return
	}
	if strings.ContainsAny(req.PolicyName, `/\`) || strings.Contains(req.PolicyName, "..") {
		c.JSON(http.StatusBadRequest, errorBody("invalid policy name"))
		return
	}

	job := worker.JobSpec{
		AnalysisID:      id,
		InputURI:        storage.CleanKey(req.InputURI),
		PolicyName:      req.PolicyName,
		OutputURIPrefix: "evidence/" + id,
	}
	analysis, err := h.store.CreateAnalysis(c, job.AnalysisID, job.InputURI, job.PolicyName, job.OutputURIPrefix)
	if err != nil {
		h.log.Error("Failed to create analysis", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("failed to create analysis"))
		return
	}

	if _, err := h.queue.Enqueue(c, job); err != nil {
		h.log.Error("Failed to enqueue analysis", zap.String("analysis_id", id), zap.Error(err))
		if ferr := h.store.FailAnalysis(c, id, worker.CodeEnqueueFailed, err.Error(), nil); ferr != nil {
			h.log.Error("Failed to mark analysis failed", zap.String("analysis_id", id), zap.Error(ferr))
		}
		c.JSON(http.StatusServiceUnavailable, errorBody("job queue unavailable"))
		return
	}

	h.log.Info("Analysis queued", zap.String("analysis_id", id), zap.String("input_uri", job.InputURI))
	c.JSON(http.StatusAccepted, analysis)
}

// saveUpload stores the multipart "video" file under uploads/<id>/input.mp4.
func (h *Handler) saveUpload(c *gin.Context, id string) (string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes+1<<20)
	fh, err := c.FormFile("video")
	if err != nil {
		return "", errors.New("failed to get uploaded video")
	}
	if ct := fh.Header.Get("Content-Type"); !strings.HasPrefix(ct, "video/") {
		return "", errors.New("file must be a video")
	}
	if fh.Size > MaxUploadBytes {
		return "", errors.New("file size exceeds 100MB limit")
	}

	tmp, err := os.MkdirTemp("", "bioverify_upload_")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	local := filepath.Join(tmp, "input.mp4")
	if err := c.SaveUploadedFile(fh, local); err != nil {
		return "", fmt.Errorf("failed to save upload: %w", err)
	}

	key := path.Join("uploads", id, "input.mp4")
	if _, err := h.storage.UploadFile(c, local, key); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return key, nil
}

func (h *Handler) HandleListAnalyses(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("invalid limit"))
			return
		}
		limit = n
	}

	list, err := h.store.ListAnalyses(c, limit)
	if err != nil {
		h.log.Error("Failed to list analyses", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("failed to list analyses"))
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) HandleGetAnalysis(c *gin.Context) {
	analysis, ok := h.lookup(c)
	if !ok {
		return
	}

	resp := AnalysisResponse{Analysis: analysis}
	if analysis.Status == store.StatusDone && analysis.EvidencePrefix != "" {
		url, err := h.storage.SignedURL(c, analysis.EvidencePrefix+"/index.json", signedURLTTL)
		if err != nil {
			h.log.Warn("Could not sign evidence index", zap.String("analysis_id", analysis.ID), zap.Error(err))
		}
		resp.EvidenceURL = url
	}
	c.JSON(http.StatusOK, resp)
}

// EvidenceResponse is the evidence index with a signed URL per artifact.
type EvidenceResponse struct {
	Index      map[string]any    `json:"index"`
	SignedURLs map[string]string `json:"signed_urls"`
}

func (h *Handler) HandleGetEvidence(c *gin.Context) {
	analysis, ok := h.lookup(c)
	if !ok {
		return
	}
	if analysis.Status != store.StatusDone {
		c.JSON(http.StatusBadRequest, errorBody("analysis not completed"))
		return
	}

	tmp, err := os.MkdirTemp("", "bioverify_evidence_")
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	defer os.RemoveAll(tmp)

	indexPath := filepath.Join(tmp, "index.json")
	if err := h.storage.DownloadFile(c, analysis.EvidencePrefix+"/index.json", indexPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("evidence index not found"))
			return
		}
		h.log.Error("Failed to fetch evidence index", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("failed to fetch evidence index"))
		return
	}
	data, err := os.ReadFile(indexPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	var index map[string]any
	if err := json.Unmarshal(data, &index); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("corrupt evidence index"))
		return
	}

	resp := EvidenceResponse{Index: index, SignedURLs: map[string]string{}}
	artifacts, _ := index["artifacts"].(map[string]any)
	for _, rel := range flatten(artifacts) {
		key := rel
		if !strings.HasPrefix(rel, analysis.EvidencePrefix) {
			key = analysis.EvidencePrefix + "/" + rel
		}
		url, err := h.storage.SignedURL(c, key, signedURLTTL)
		if err != nil {
			h.log.Warn("Could not sign artifact", zap.String("key", key), zap.Error(err))
			continue
		}
		resp.SignedURLs[rel] = url
	}
	c.JSON(http.StatusOK, resp)
}

// flatten collects the artifact paths of an index, single or listed.
func flatten(artifacts map[string]any) []string {
	var out []string
	for _, v := range artifacts {
		switch v := v.(type) {
		case string:
			out = append(out, v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func (h *Handler) lookup(c *gin.Context) (store.Analysis, bool) {
	id := c.Param("id")
	analysis, err := h.store.GetAnalysis(c, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody("analysis not found"))
		return store.Analysis{}, false
	}
	if err != nil {
		h.log.Error("Failed to load analysis", zap.String("analysis_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("failed to load analysis"))
		return store.Analysis{}, false
	}
	return analysis, true
}

// HandleStorageFile serves local-storage objects, or redirects to a signed
// URL for remote backends.
func (h *Handler) HandleStorageFile(c *gin.Context) {
	key := storage.CleanKey(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusNotFound, errorBody("file not found"))
		return
	}

	local, ok := h.storage.(*storage.Local)
	if !ok {
		url, err := h.storage.SignedURL(c, key, signedURLTTL)
		if err != nil {
			c.JSON(http.StatusNotFound, errorBody("file not found"))
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}

	full := local.Path(key)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, errorBody("file not found"))
		return
	}
	maxAge := 300
	if strings.HasSuffix(key, ".png") || strings.HasSuffix(key, ".jpg") {
		maxAge = 3600
	}
	c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	c.Header("ETag", fmt.Sprintf(`"%d-%d"`, info.ModTime().Unix(), info.Size()))
	c.File(full)
}

func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"engine_version":  config.Version,
		"policy_versions": []string{worker.DefaultPolicy},
	})
}
