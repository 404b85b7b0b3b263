package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/api/dto"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/ledger"
	"github.com/gin-gonic/gin"
)

// GetStatus handles GET /api/v1/status
// Reports loop state, control gate, last cycle and queue depth
func (h *StatusHandler) GetStatus(c *gin.Context) {
	resp := dto.StatusResponse{
		State:  h.dispatcher.State(),
		Active: h.dispatcher.Active(),
	}

	if report := h.dispatcher.LastReport(); report != nil {
		resp.LastCycle = &dto.CycleDTO{
			CycleID:     report.CycleID,
			StartedAt:   report.StartedAt.Format(time.RFC3339),
			FinishedAt:  report.FinishedAt.Format(time.RFC3339),
			Fetched:     report.Fetched,
			Paired:      report.Paired,
			Dropped:     report.Dropped,
			Completed:   report.Completed,
			Failed:      report.Failed,
			Duplicates:  report.Duplicates,
			InstanceIDs: report.InstanceIDs,
		}
	}

	// queue stats are best effort; the rest of the status is still useful
	stats, err := h.dispatcher.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to fetch queue stats", slog.String("error", err.Error()))
		resp.QueueError = "queue stats unavailable"
	} else {
		resp.Queue = &dto.QueueStatsDTO{
			Visible:  stats.Visible,
			InFlight: stats.InFlight,
			Delayed:  stats.Delayed,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// ListFailures handles GET /api/v1/failures
// Lists dead-letter records, newest first
func (h *StatusHandler) ListFailures(c *gin.Context) {
	var req dto.ListFailuresRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = ledger.DefaultFailureLimit
	}

	failures, err := h.dispatcher.Failures(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("Failed to list failures", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list failures",
		})
		return
	}

	items := make([]dto.FailureDTO, len(failures))
	for i, f := range failures {
		items[i] = dto.FailureDTO{
			MessageID:  f.MessageID,
			ObjectKey:  f.ObjectKey,
			InstanceID: f.InstanceID,
			Error:      f.Error,
			Stderr:     f.Stderr,
			FailedAt:   f.FailedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListFailuresResponse{Failures: items})
}

// SetControl handles POST /api/v1/control
// Activates or pauses the dispatch loop
func (h *StatusHandler) SetControl(c *gin.Context) {
	var req dto.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.dispatcher.SetActive(*req.Active); err != nil {
		h.logger.Error("Failed to update control gate", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update control gate",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active": *req.Active,
	})
}
