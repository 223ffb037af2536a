package http

import (
	"context"

	"github.com/dkeye/Interpreter/internal/adapters/signal"
	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/config"
	"github.com/dkeye/Interpreter/internal/metrics"
	handlers "github.com/dkeye/Interpreter/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every client a stable session id kept in the
// signed session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func metricsSnapshot(o *orch.Orchestrator) func() metrics.Snapshot {
	return func() metrics.Snapshot {
		st := o.Registry.Stats()
		return metrics.Snapshot{
			Rooms:        st.Rooms,
			Sessions:     st.Sessions,
			Calls:        st.Calls,
			LiveInvokers: st.LiveInvokers,
		}
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := handlers.NewAPI(o)
	r.GET("/healthz", api.Healthz)
	r.GET("/metrics", gin.WrapH(o.Metrics.Handler(metricsSnapshot(o))))

	// Provider webhooks carry no client session.
	hooks := r.Group("/api")
	hooks.POST("/calls/incoming", api.IncomingCall)
	hooks.POST("/callbacks/:contextId", api.Callback)

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	client := r.Group("/")
	client.Use(sessions.Sessions("InterpreterSessions", store))
	client.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		client.Static("/static", cfg.StaticPath)
		client.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	rest := client.Group("/api")
	rest.GET("/rooms", api.ListRooms)
	rest.GET("/rooms/:id", api.GetRoom)
	rest.POST("/rooms/:id/language", api.SetRoomLanguage)
	rest.GET("/calls", api.ListCalls)
	rest.DELETE("/calls/:id", api.HangUpCall)

	ctrl := signal.NewClientWSController(o,
		signal.WithReadLimit(cfg.ReadLimit),
		signal.WithPingPeriod(cfg.PingPeriod),
	)
	rest.GET("/ws/client", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws client endpoint hit")
		ctrl.HandleClient(ctx, c)
	})

	return r
}
