package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/loykin/backupd/internal/artifact"
	"github.com/loykin/backupd/internal/job"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/orchestrator"
)

type backupsResp struct {
	Backups []artifact.Entry `json:"backups"`
}

type deleteReq struct {
	BackupName string `json:"backupName"`
}

type deleteResp struct {
	Success bool `json:"success"`
}

type jobView struct {
	job.Info
	Sample *metrics.Sample `json:"sample,omitempty"`
}

type jobsResp struct {
	Jobs []jobView `json:"jobs"`
}

// bindOptional decodes a JSON body; an empty body leaves v untouched.
func bindOptional(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (r *Router) handleBackups(c *gin.Context) {
	entries, err := r.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, backupsResp{Backups: entries})
}

func (r *Router) handleRunBackup(c *gin.Context) {
	var opts orchestrator.BackupOptions
	if err := bindOptional(c, &opts); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	j, err := r.svc.LaunchBackup(opts)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobResp{OK: true, JobID: j.ID()})
}

func (r *Router) handleRestore(c *gin.Context) {
	var opts orchestrator.RestoreOptions
	if err := bindOptional(c, &opts); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	j, err := r.svc.LaunchRestore(c.Request.Context(), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobResp{OK: true, JobID: j.ID()})
}

func (r *Router) handleDeleteBackup(c *gin.Context) {
	var req deleteReq
	if err := bindOptional(c, &req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.svc.Delete(req.BackupName); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, deleteResp{Success: true})
}

func (r *Router) handleDownload(c *gin.Context) {
	d, err := r.svc.Fetch(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = d.Close() }()

	h := c.Writer.Header()
	h.Set("Content-Type", d.ContentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	if d.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, d); err != nil {
		r.logger.Warn("download aborted", "name", d.Name, "error", err)
		abortConnection(c)
	}
}

// abortConnection drops the connection so a broken transfer cannot look
// complete to the client. Writers that cannot be hijacked are left as is.
func abortConnection(c *gin.Context) {
	c.Abort()
	hj, ok := c.Writer.(http.Hijacker)
	if !ok {
		return
	}
	if conn, _, err := hj.Hijack(); err == nil {
		_ = conn.Close()
	}
}

func (r *Router) handleJobs(c *gin.Context) {
	infos := r.svc.Jobs()
	out := make([]jobView, 0, len(infos))
	for _, info := range infos {
		v := jobView{Info: info}
		if r.sampler != nil {
			if s, ok := r.sampler.Latest(info.ID); ok {
				v.Sample = &s
			}
		}
		out = append(out, v)
	}
	writeJSON(c, http.StatusOK, jobsResp{Jobs: out})
}
