package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"task-dialer/internal/audit"
	"task-dialer/internal/tasks"
	"task-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TaskService is the task controller surface exposed over HTTP.
type TaskService interface {
	CreateTask(ctx context.Context, in tasks.CreateInput) (tasks.Task, error)
	StopTask(ctx context.Context, taskID string) (tasks.Task, error)
	GetTaskWithAttempts(ctx context.Context, taskID string) (tasks.TaskDetail, error)
}

// Auditor records operator actions. Failures never fail the request.
type Auditor interface {
	LogTaskCreated(ctx context.Context, taskID, requestID string, details any) error
	LogTaskStopped(ctx context.Context, taskID, requestID string) error
}

// Probe is one readiness dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, call internal services, return JSON.
type Handlers struct {
	Tasks  TaskService
	Audit  Auditor
	Probes []Probe
}

// CreateTask accepts a task and schedules its first attempt.
func (h Handlers) CreateTask(c *gin.Context) {
	var in tasks.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	t, err := h.Tasks.CreateTask(ctx, in)
	if err != nil {
		h.abortTaskError(c, err, "task creation failed")
		return
	}

	if h.Audit != nil {
		details := gin.H{"numbers": len(t.Numbers), "ruleSetId": t.RuleSetID}
		if err := h.Audit.LogTaskCreated(ctx, t.ID, logger.RequestID(c), details); err != nil {
			logger.FromGin(c).Warn("audit failed", "task_id", t.ID, "err", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

// StopTask cancels a task and its outstanding attempts. Repeated calls are safe.
func (h Handlers) StopTask(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "task id required"})
		return
	}

	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	t, err := h.Tasks.StopTask(ctx, id)
	if err != nil {
		h.abortTaskError(c, err, "task stop failed")
		return
	}

	if h.Audit != nil {
		if err := h.Audit.LogTaskStopped(ctx, t.ID, logger.RequestID(c)); err != nil {
			logger.FromGin(c).Warn("audit failed", "task_id", t.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"taskId": t.ID, "status": strings.ToLower(string(t.Status))})
}

// GetTask returns the task, its rule set and its attempts in creation order.
func (h Handlers) GetTask(c *gin.Context) {
	d, err := h.Tasks.GetTaskWithAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.abortTaskError(c, err, "task lookup failed")
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) abortTaskError(c *gin.Context, err error, msg string) {
	var verr *tasks.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, tasks.ErrRuleSetNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "rule set not found"})
	case errors.Is(err, tasks.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		logger.FromGin(c).Error(msg, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// Health is liveness only.
func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports 503 when any dependency probe fails.
func (h Handlers) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for _, p := range h.Probes {
		if err := p.Check(ctx); err != nil {
			ready = false
			checks[p.Name] = err.Error()
			continue
		}
		checks[p.Name] = "ok"
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}
