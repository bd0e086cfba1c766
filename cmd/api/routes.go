package main

import (
	"context"
	"database/sql"
	"time"

	"task-dialer/internal/calls"
	"task-dialer/internal/httpapi"
	"task-dialer/internal/metrics"
	"task-dialer/internal/telephony"
	"task-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	tasks  httpapi.TaskService
	audit  httpapi.Auditor
	events *calls.Handler
	db     *sql.DB
	redis  redis.UniversalClient
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Tasks: d.tasks,
		Audit: d.audit,
		Probes: []httpapi.Probe{
			{Name: "postgres", Check: func(ctx context.Context) error {
				return utils.HealthCheck(ctx, d.db, 2*time.Second)
			}},
			{Name: "redis", Check: func(ctx context.Context) error {
				return utils.RedisHealthCheck(ctx, d.redis, 2*time.Second)
			}},
		},
	}

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", metrics.Handler())

	// Provider webhooks (public).
	// NOTE: Twilio request signatures are not validated here.
	{
		wh := telephony.TwilioWebhookHandler{Events: d.events, Answer: d.events}
		r.POST("/webhooks/twilio/voice", wh.HandleStatus)
		r.GET("/webhooks/twilio/answer", wh.HandleAnswer)
		r.POST("/webhooks/twilio/answer", wh.HandleAnswer)
	}

	api := r.Group("/api")
	{
		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks/:id", h.GetTask)
		api.POST("/tasks/:id/stop", h.StopTask)
	}
}
