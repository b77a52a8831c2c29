package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"codepod/pkg/codepod"
)

type createSessionRequest struct {
	Name           string                  `json:"name"`
	TimeoutSeconds *int                    `json:"timeout_seconds"`
	Limits         *codepod.ResourceLimits `json:"resource_limits"`
	Network        string                  `json:"network_mode"`
}

type execRequest struct {
	Command        string   `json:"command"`
	Argv           []string `json:"argv"`
	Cwd            string   `json:"cwd"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

type execResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Truncated bool   `json:"is_truncated"`
}

type uploadRequest struct {
	Path string `json:"path" binding:"required"`
	// Content arrives base64-encoded, the JSON encoding of []byte.
	Content []byte `json:"content"`
}

// writeError maps the library's sentinels onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, codepod.ErrSessionNotFound), errors.Is(err, codepod.ErrContainerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, codepod.ErrInvalidArgument), errors.Is(err, codepod.ErrTimeoutExceedsLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, codepod.ErrMaxContainersReached):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, codepod.ErrEngineUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func sessionID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.pod.CreateSession(c.Request.Context(), codepod.SessionOptions{
		Name:           req.Name,
		TimeoutSeconds: req.TimeoutSeconds,
		Limits:         req.Limits,
		Network:        codepod.NetworkMode(req.Network),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.pod.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) getSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := s.pod.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) destroySession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.pod.DestroySession(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) execCommand(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := codepod.Shell(req.Command)
	if len(req.Argv) > 0 {
		cmd = codepod.Argv(req.Argv...)
	}

	res, err := s.pod.ExecCommand(c.Request.Context(), id, cmd, codepod.ExecOptions{
		Cwd:     req.Cwd,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, execResponse{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Truncated: res.Truncated,
	})
}

func (s *Server) uploadFile(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.pod.UploadFile(c.Request.Context(), id, req.Path, req.Content); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": req.Path, "size": len(req.Content)})
}

func (s *Server) downloadFile(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	path := c.Query("path")
	data, err := s.pod.DownloadFile(c.Request.Context(), id, path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) listDirectory(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	path := c.Query("path")
	entries, err := s.pod.ListDirectory(c.Request.Context(), id, path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "entries": entries})
}

func (s *Server) deleteFile(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if err := s.pod.DeleteFile(c.Request.Context(), id, c.Query("path")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getStats(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	usage, err := s.pod.GetStats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) poolStatus(c *gin.Context) {
	status, err := s.pod.PoolStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listContainers(c *gin.Context) {
	containers, err := s.pod.ListContainers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": containers, "count": len(containers)})
}

func (s *Server) createContainer(c *gin.Context) {
	container, err := s.pod.CreateContainer(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, container)
}

func (s *Server) deleteContainer(c *gin.Context) {
	if err := s.pod.ForceDeleteContainer(c.Request.Context(), c.Param("cid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteAllContainers(c *gin.Context) {
	if err := s.pod.DeleteAllContainers(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cleanup(c *gin.Context) {
	n, err := s.pod.CleanupExpired(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": n})
}

func (s *Server) reconcile(c *gin.Context) {
	if err := s.pod.Reconcile(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
