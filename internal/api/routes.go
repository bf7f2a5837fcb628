package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/relance/internal/dispatch"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/settings"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, s *server) {
	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/api/v1")

	v1.GET("/orgs/:org/settings", s.handleGetSettings)
	v1.PUT("/orgs/:org/settings", s.handlePutSettings)
	v1.GET("/orgs/:org/volume", s.handleVolume)

	v1.GET("/followups", s.handleList)
	v1.POST("/followups", s.handleCreate)
	v1.GET("/followups/:id", s.handleGet)
	v1.PATCH("/followups/:id", s.handlePatch)
	v1.DELETE("/followups/:id", s.handleDelete)

	v1.POST("/followups/:id/send", s.handleSend)
	v1.POST("/followups/:id/done", s.handleDone)
	v1.POST("/followups/:id/stop", s.handleStop)
	v1.POST("/followups/:id/reopen", s.handleReopen)
	v1.GET("/followups/:id/history", s.handleHistory)
	v1.GET("/followups/:id/preview", s.handlePreview)

	v1.POST("/preview", s.handlePreviewNew)
}

func (s *server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- settings ---

func (s *server) handleGetSettings(c *gin.Context) {
	st, err := s.settings.Get(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type settingsRequest struct {
	models.Settings
	MaxFollowUps *int `json:"max_follow_ups"`
}

func (s *server) handlePutSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	org := c.Param("org")
	if req.OrganizationID != "" && req.OrganizationID != org {
		s.fail(c, fmt.Errorf("%w: organization_id %q does not match %q", errBadRequest, req.OrganizationID, org))
		return
	}
	req.OrganizationID = org

	if err := s.coord.UpdateSettings(c.Request.Context(), &req.Settings, req.MaxFollowUps); err != nil {
		s.fail(c, err)
		return
	}
	saved, err := s.settings.Get(c.Request.Context(), org)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *server) handleVolume(c *gin.Context) {
	days, err := followup.WeeklyVolume(s.db.WithContext(c.Request.Context()), c.Param("org"), s.now())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization_id": c.Param("org"), "days": days})
}

// --- follow-ups ---

// settingsFor returns the settings of org, or nil when it has none yet.
func (s *server) settingsFor(c *gin.Context, org string) (*models.Settings, error) {
	st, err := s.settings.Get(c.Request.Context(), org)
	if errors.Is(err, settings.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

func (s *server) view(c *gin.Context, fu *models.FollowUp) (followup.View, error) {
	st, err := s.settingsFor(c, fu.OrganizationID)
	if err != nil {
		return followup.View{}, err
	}
	return followup.NewView(fu, st, s.now()), nil
}

func (s *server) respondView(c *gin.Context, status int, fu *models.FollowUp) {
	v, err := s.view(c, fu)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, v)
}

func (s *server) handleList(c *gin.Context) {
	filters := followup.ListFilters{
		OrganizationID: c.Query("org"),
		Type:           models.FollowUpType(c.Query("type")),
		Status:         models.Status(c.Query("status")),
		ClientID:       c.Query("client"),
	}
	if filters.Type != "" && !filters.Type.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown type %q", errBadRequest, filters.Type))
		return
	}
	if filters.Status != "" && !filters.Status.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown status %q", errBadRequest, filters.Status))
		return
	}
	if raw := c.Query("auto"); raw != "" {
		auto, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: auto: %v", errBadRequest, err))
			return
		}
		filters.AutoEnabled = &auto
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(c, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		filters.Limit = n
	}

	fus, err := followup.List(s.db.WithContext(c.Request.Context()), filters)
	if err != nil {
		s.fail(c, err)
		return
	}

	bySettings := map[string]*models.Settings{}
	views := make([]followup.View, 0, len(fus))
	for i := range fus {
		org := fus[i].OrganizationID
		st, ok := bySettings[org]
		if !ok {
			st, err = s.settingsFor(c, org)
			if err != nil {
				s.fail(c, err)
				return
			}
			bySettings[org] = st
		}
		views = append(views, followup.NewView(&fus[i], st, s.now()))
	}
	c.JSON(http.StatusOK, gin.H{"followups": views, "count": len(views)})
}

type createRequest struct {
	OrganizationID string              `json:"organization_id" binding:"required"`
	Type           models.FollowUpType `json:"type" binding:"required"`
	ClientID       string              `json:"client_id" binding:"required"`
	SourceLabel    string              `json:"source_label"`
	SourceRef      string              `json:"source_ref"`
	TriggeredAt    *time.Time          `json:"triggered_at"`
	DueAt          *time.Time          `json:"due_at"`
	AutoEnabled    *bool               `json:"auto_enabled"`
}

func (s *server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if !req.Type.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown type %q", errBadRequest, req.Type))
		return
	}
	st, err := s.settingsFor(c, req.OrganizationID)
	if err != nil {
		s.fail(c, err)
		return
	}

	opts := followup.CreateOpts{
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		ClientID:       req.ClientID,
		SourceLabel:    req.SourceLabel,
		SourceRef:      req.SourceRef,
		DueAt:          req.DueAt,
		AutoEnabled:    true,
	}
	if req.TriggeredAt != nil {
		opts.TriggeredAt = *req.TriggeredAt
	}
	if req.AutoEnabled != nil {
		opts.AutoEnabled = *req.AutoEnabled
	}

	fu, err := followup.Create(s.db.WithContext(c.Request.Context()), opts, st, s.now())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.WithFields(logrus.Fields{"followup_id": fu.ID, "org": fu.OrganizationID, "type": fu.Type}).Info("follow-up created")
	s.respondView(c, http.StatusCreated, fu)
}

func (s *server) handleGet(c *gin.Context) {
	fu, err := followup.Get(s.db.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondView(c, http.StatusOK, fu)
}

type patchRequest struct {
	AutoEnabled *bool          `json:"auto_enabled"`
	Status      *models.Status `json:"status"`
}

func (s *server) handlePatch(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown status %q", errBadRequest, *req.Status))
		return
	}

	ctx := c.Request.Context()
	db := s.db.WithContext(ctx)
	id := c.Param("id")
	fu, err := followup.Get(db, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	st, err := s.settingsFor(c, fu.OrganizationID)
	if err != nil {
		s.fail(c, err)
		return
	}

	if req.AutoEnabled != nil {
		if fu, err = followup.SetAutoEnabled(db, id, *req.AutoEnabled, st, s.now()); err != nil {
			s.fail(c, err)
			return
		}
	}
	if req.Status != nil && *req.Status != fu.Status {
		fu, err = s.transition(c, id, *req.Status, st)
		if err != nil {
			s.fail(c, err)
			return
		}
	}
	s.respondView(c, http.StatusOK, fu)
}

// transition moves a follow-up to status through the matching action.
func (s *server) transition(c *gin.Context, id string, status models.Status, st *models.Settings) (*models.FollowUp, error) {
	db := s.db.WithContext(c.Request.Context())
	switch status {
	case models.StatusDone:
		return followup.MarkDone(db, id, s.now())
	case models.StatusStopped:
		return followup.Stop(db, id, models.StopManual, s.now())
	default:
		return followup.Reopen(db, id, st, s.now())
	}
}

func (s *server) handleDelete(c *gin.Context) {
	if err := followup.Delete(s.db.WithContext(c.Request.Context()), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleSend(c *gin.Context) {
	rec, err := s.coord.SendNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if rec != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "record": rec})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *server) statusAction(status models.Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var st *models.Settings
		if status == models.StatusOpen {
			fu, err := followup.Get(s.db.WithContext(c.Request.Context()), id)
			if err != nil {
				s.fail(c, err)
				return
			}
			if st, err = s.settingsFor(c, fu.OrganizationID); err != nil {
				s.fail(c, err)
				return
			}
		}
		fu, err := s.transition(c, id, status, st)
		if err != nil {
			s.fail(c, err)
			return
		}
		s.respondView(c, http.StatusOK, fu)
	}
}

func (s *server) handleDone(c *gin.Context)   { s.statusAction(models.StatusDone)(c) }
func (s *server) handleStop(c *gin.Context)   { s.statusAction(models.StatusStopped)(c) }
func (s *server) handleReopen(c *gin.Context) { s.statusAction(models.StatusOpen)(c) }

func (s *server) handleHistory(c *gin.Context) {
	recs, err := followup.History(s.db.WithContext(c.Request.Context()), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"followup_id": c.Param("id"), "history": recs})
}

func (s *server) handlePreview(c *gin.Context) {
	p, err := s.coord.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *server) handlePreviewNew(c *gin.Context) {
	var req dispatch.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if !req.Type.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown type %q", errBadRequest, req.Type))
		return
	}
	p, err := s.coord.PreviewFor(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
