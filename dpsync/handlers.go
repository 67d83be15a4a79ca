package dpsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/reconciliation"
	"github.com/mmdatafocus/receiving_backend/resolution"
	"github.com/mmdatafocus/receiving_backend/utils"
)

// RegisterRoutes mounts the admin surface under /api/dp-sync behind auth and
// the push endpoint at /pubsub/dp-registration.
func RegisterRoutes(r gin.IRouter, e *Engine, auth gin.HandlerFunc) {
	api := r.Group("/api/dp-sync")
	if auth != nil {
		api.Use(auth)
	}
	api.POST("/start", StartHandler(e))
	api.POST("/stop", StopHandler(e))
	api.GET("/stats", StatsHandler(e))
	api.POST("/schedules/:id/retry", RetryHandler(e))
	api.POST("/schedules/:id/force-check", ForceCheckHandler(e))
	api.PUT("/poll-interval", PollIntervalHandler(e))
	api.POST("/registrations", RegistrationHandler(e))
	api.GET("/report.xlsx", ReportHandler(e))
	api.POST("/report/upload", UploadReportHandler(e))

	r.POST("/pubsub/dp-registration", PubSubPushHandler(e))
}

func StartHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		started, err := e.Start(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"started": started, "running": e.Running()})
	}
}

func StopHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		stopped := e.Stop()
		c.JSON(http.StatusOK, gin.H{"stopped": stopped, "running": e.Running()})
	}
}

func StatsHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, e.GetStats())
	}
}

func RetryHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := scheduleIdParam(c)
		if !ok {
			return
		}
		added, err := e.Retry(c.Request.Context(), id)
		switch {
		case errors.Is(err, utils.ErrorRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		case errors.Is(err, resolution.ErrAlreadyResolved), errors.Is(err, resolution.ErrNotAwaitingDocument):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, resolution.ErrMissingInvoiceNumber):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"schedule_id": id, "enqueued": added})
		}
	}
}

func ForceCheckHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := scheduleIdParam(c)
		if !ok {
			return
		}
		out, err := e.ForceCheck(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func PollIntervalHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PollIntervalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		if err := e.SetPollInterval(req.Seconds); err != nil {
			if errors.Is(err, reconciliation.ErrIntervalTooShort) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"poll_interval_seconds": req.Seconds})
	}
}

func RegistrationHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegistrationSucceeded
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		if req.CorrelationId == "" {
			req.CorrelationId, _ = utils.GetCorrelationIdFromContext(c.Request.Context())
		}
		added, err := e.OnRegistrationSucceeded(c.Request.Context(), req)
		if errors.Is(err, resolution.ErrMissingInvoiceNumber) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"schedule_id": req.ScheduleId, "enqueued": added})
	}
}

func ReportHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := e.BuildReport(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", "attachment; filename=dp-sync-report.xlsx")
		c.Data(http.StatusOK, XlsxContentType, data)
	}
}

func UploadReportHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		bucket := strings.TrimSpace(utils.EnvStringDefault("DP_REPORT_BUCKET", ""))
		if bucket == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "DP_REPORT_BUCKET is not configured"})
			return
		}
		ctx := c.Request.Context()
		name, err := e.UploadReport(ctx, bucket)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{"bucket": bucket, "object": name}

		ttl := time.Duration(utils.IntFromEnv("DP_REPORT_URL_TTL_MINUTES", 15)) * time.Minute
		if signed, err := utils.SignDownload(ctx, bucket, name, ttl); err != nil {
			// the object is stored; callers can still fetch it by name
			config.LogError(e.log(), "dpsync", "UploadReportHandler", "Sign report download", name, err)
		} else {
			resp["download_url"] = signed.DownloadURL
			resp["expires_at"] = signed.ExpiresAt
		}
		c.JSON(http.StatusOK, resp)
	}
}

func scheduleIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return 0, false
	}
	return id, true
}
