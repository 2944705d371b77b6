package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/export"
	"github.com/septivank/field-readings/internal/logging"
	"github.com/septivank/field-readings/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// communityID accepts both `"12"` and `12` in request bodies
type communityID int64

func (id *communityID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid communityId %s", b)
	}
	*id = communityID(v)
	return nil
}

type loginRequest struct {
	Login string `json:"login"`
	Pwd   string `json:"pwd"`
}

type sortRequest struct {
	CommunityID communityID        `json:"communityId"`
	SortOrder   []service.SortItem `json:"sortOrder"`
}

type readingsRequest struct {
	CommunityID communityID            `json:"communityId"`
	ReadingDate string                 `json:"readingDate"`
	InputType   string                 `json:"inputType"`
	Readings    []service.ReadingEntry `json:"readings"`
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.HTTP.RequestTimeout)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	session, err := s.services.Auth.Login(ctx, strings.TrimSpace(req.Login), req.Pwd)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.Auth.CookieName, session.ID.String(), int(s.cfg.Auth.CookieMaxAge/time.Second), "/", "", s.cfg.Auth.CookieSecure, true)
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.Auth.CookieName, "", -1, "/", "", s.cfg.Auth.CookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (s *Server) handleSession(c *gin.Context) {
	sessionID, _ := c.Cookie(s.cfg.Auth.CookieName)

	ctx, cancel := s.requestContext(c)
	defer cancel()

	session, err := s.services.Auth.Session(ctx, sessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"id":            session.ID,
		"login":         session.Login,
	})
}

func (s *Server) handleListCommunities(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	communities, err := s.services.Communities.ListCommunities(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if communities == nil {
		communities = []db.Community{}
	}

	c.JSON(http.StatusOK, communities)
}

func (s *Server) handleListMeters(c *gin.Context) {
	id, ok := queryCommunityID(c)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	meters, err := s.services.Meters.ListMeters(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": meters, "count": len(meters)})
}

func (s *Server) handleExportMeters(c *gin.Context) {
	id, ok := queryCommunityID(c)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	meters, err := s.services.Meters.ListMeters(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	sheet, err := export.ReadingSheet(meters)
	if err != nil {
		s.writeError(c, fmt.Errorf("failed to build reading sheet: %w", err))
		return
	}

	filename := fmt.Sprintf("readings-community-%d.xlsx", id)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, xlsxContentType, sheet)
}

func (s *Server) handleSaveSortOrder(c *gin.Context) {
	var req sortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Sort.SaveSortOrder(ctx, int64(req.CommunityID), req.SortOrder)
	if err != nil {
		if result != nil {
			// Partial pass: earlier updates stay applied
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error(), "data": result})
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Sort order saved", "data": result})
}

func (s *Server) handleSaveReadings(c *gin.Context) {
	var req readingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	batch := service.Batch{
		CommunityID: int64(req.CommunityID),
		ReadingDate: req.ReadingDate,
		InputType:   req.InputType,
		Readings:    req.Readings,
	}
	if session, ok := currentSession(c); ok {
		batch.FieldUserID = session.ID.String()
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Readings.SaveBatch(ctx, batch)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Successfully saved %d reading(s)", result.Saved),
		"data":    result,
	})
}

func queryCommunityID(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.Query("communityId"))
	if raw == "" {
		// zero is rejected by the service with its own message
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid communityId parameter"})
		return 0, false
	}
	return id, true
}

func currentSession(c *gin.Context) (*service.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	session, ok := v.(*service.Session)
	return session, ok
}

// writeError maps service errors to status codes
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
	default:
		logging.FromContext(c.Request.Context(), s.logger).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}
