package syncengine

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
)

const defaultListLimit = 100

// RegisterRoutes mounts the operator API of the engine on r.
func (e *Engine) RegisterRoutes(r gin.IRouter) {
	r.GET("/sync/health", e.HealthHandler())
	r.POST("/sync/force", e.ForceHandler())
	r.GET("/sync/failed", e.FailedHandler())
	r.POST("/sync/failed/:id/retry", e.RetryHandler())
	r.GET("/sync/batches", e.BatchesHandler())
}

func (e *Engine) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health, err := e.GetSyncHealth(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, health)
	}
}

func (e *Engine) ForceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.ForceSyncNow()
		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled", "state": e.State()})
	}
}

func (e *Engine) FailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := e.queue.ListByStatus(c.Request.Context(), models.SyncQueueStatusFailed, listLimit(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func (e *Engine) RetryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		err = e.queue.Requeue(c.Request.Context(), uint(id))
		switch {
		case errors.Is(err, ErrNotRequeueable):
			if _, gerr := e.queue.Get(c.Request.Context(), uint(id)); errors.Is(gerr, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		e.ForceSyncNow()
		c.JSON(http.StatusOK, gin.H{"status": "requeued"})
	}
}

func (e *Engine) BatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := e.scheduler.History(c.Request.Context(), listLimit(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"batches": rows})
	}
}

func listLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}
