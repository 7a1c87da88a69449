package http

import (
	"context"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/karaoke/internal/adapters/signal"
	"github.com/dkeye/karaoke/internal/app/orch"
	"github.com/dkeye/karaoke/internal/auth"
	"github.com/dkeye/karaoke/internal/config"
)

const moderatorKey = "moderator"

// Deps are the services the HTTP surface needs.
type Deps struct {
	Orch    *orch.Orchestrator
	Signal  *signal.SignalWSController
	Results ResultReader
	Auth    *auth.JWTManager
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// ModeratorMiddleware exposes the moderator flag of the cookie session as
// the "moderator" context key.
func ModeratorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := sessions.Default(c).Get(moderatorKey).(bool); ok && v {
			c.Set(moderatorKey, true)
		}
		c.Next()
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Content-Type", "Origin"},
		AllowCredentials: true,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 12, HttpOnly: true})
	r.Use(sessions.Sessions("KaraokeSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(ModeratorMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{deps: d}
	api := r.Group("/api")
	api.GET("/me", h.me)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/rooms/:id/results", h.roomResults)
	api.POST("/moderator", h.becomeModerator)
	api.DELETE("/moderator", h.dropModerator)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	return r
}
