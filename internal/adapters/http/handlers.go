package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/app/karaoke"
	"github.com/dkeye/karaoke/internal/auth"
	"github.com/dkeye/karaoke/internal/core"
	"github.com/dkeye/karaoke/internal/domain"
)

const (
	defaultResults = 20
	maxResults     = 100
)

// ResultReader lists finished turns of a room, newest first.
type ResultReader interface {
	Recent(ctx context.Context, room domain.RoomID, limit int) ([]karaoke.Result, error)
}

type handlers struct {
	deps Deps
}

type roomDetail struct {
	core.RoomInfo
	Members []core.MemberDTO `json:"members"`
	Stage   karaoke.Snapshot `json:"stage"`
}

func (h *handlers) me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"identity":  c.GetString("client_token"),
		"moderator": c.GetBool(moderatorKey),
	})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Orch.Rooms.List())
}

func (h *handlers) getRoom(c *gin.Context) {
	id := domain.NormalizeRoomID(c.Param("id"))
	rs, ok := h.deps.Orch.Rooms.GetRoom(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	out := roomDetail{
		RoomInfo: core.RoomInfo{
			ID:          rs.Room().ID,
			Name:        rs.Room().Name,
			MemberCount: rs.MemberCount(),
			Phase:       domain.PhaseIdle,
		},
		Members: rs.MembersSnapshot(),
	}
	if st := rs.Stage(); st != nil {
		out.Stage = st.Snapshot()
		out.Phase = out.Stage.Phase
		out.Singer = out.Stage.Singer
		out.Listeners = len(out.Stage.Listeners)
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) roomResults(c *gin.Context) {
	if h.deps.Results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "results are not stored"})
		return
	}
	limit := defaultResults
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxResults)
	}
	id := domain.NormalizeRoomID(c.Param("id"))
	res, err := h.deps.Results.Recent(c.Request.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("load results")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load results"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// becomeModerator trades a moderator JWT for a moderator cookie session.
func (h *handlers) becomeModerator(c *gin.Context) {
	if h.deps.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "moderation disabled"})
		return
	}
	var body struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	sub, err := h.deps.Auth.Verify(body.Token)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNoSecret) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s := sessions.Default(c)
	s.Set(moderatorKey, true)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save session"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Str("subject", sub).Msg("moderator session granted")
	c.JSON(http.StatusOK, gin.H{"moderator": true, "subject": sub})
}

func (h *handlers) dropModerator(c *gin.Context) {
	s := sessions.Default(c)
	s.Delete(moderatorKey)
	if err := s.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"moderator": false})
}
