package syncserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/sirupsen/logrus"
)

// RegisterRoutes mounts the sync API on r. Authentication is left to the caller.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/sync/status", s.StatusHandler())
	r.POST("/sync/push", s.PushHandler())
	r.GET("/sync/pull", s.PullHandler())
}

func (s *Server) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, entities.StatusResponse{
			Status:     "ok",
			ServerTime: entities.NormalizeTime(s.now()),
			Entities:   s.registry.Tables(),
		})
	}
}

func (s *Server) PushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req entities.PushRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		if len(req.Entries) > maxPushEntries {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many entries"})
			return
		}

		ctx := c.Request.Context()
		results := make([]entities.PushResult, 0, len(req.Entries))
		var okCount, conflictCount, errorCount int
		for _, entry := range req.Entries {
			res := s.Apply(ctx, entry)
			switch res.Status {
			case entities.PushStatusOK:
				okCount++
			case entities.PushStatusConflict:
				conflictCount++
			default:
				errorCount++
			}
			results = append(results, res)
		}

		deviceId, _ := utils.GetDeviceIdFromContext(ctx)
		username, _ := utils.GetUsernameFromContext(ctx)
		userId, _ := utils.GetUserIdFromContext(ctx)
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		s.logger.WithFields(logrus.Fields{
			"field":          "SyncServer",
			"device_id":      deviceId,
			"user_id":        userId,
			"username":       username,
			"correlation_id": cid,
			"entries":        len(req.Entries),
			"ok":             okCount,
			"conflicts":      conflictCount,
			"errors":         errorCount,
		}).Info("push applied")

		c.JSON(http.StatusOK, entities.PushResponse{Results: results})
	}
}

func (s *Server) PullHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entity := strings.TrimSpace(c.Query("entity"))
		adapter, err := s.registry.Adapter(entity)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var since time.Time
		if raw := strings.TrimSpace(c.Query("since")); raw != "" {
			since, err = time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
				return
			}
		}

		limit := defaultPullLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxPullLimit)
		}

		cursor, err := entities.DecodeCursor(c.Query("cursor"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Captured before reading so nothing committed after it is skipped by the next pull.
		serverTimestamp := s.ServerTimestamp()

		records, next, err := adapter.ChangedSince(s.db.WithContext(c.Request.Context()), since, cursor, limit)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"field":  "SyncServer",
				"entity": entity,
			}).Error("pull: " + err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pull failed"})
			return
		}

		resp := entities.PullResponse{
			Entity:          entity,
			Records:         records,
			ServerTimestamp: serverTimestamp,
		}
		if next != nil {
			resp.NextCursor = next.Encode()
		}
		c.JSON(http.StatusOK, resp)
	}
}
