package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "mkhub/pkg/logx"
)

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Subscriptions Subscriptions
	Notifier      Notifier
	Schedule      ScheduleReader
	Ingest        TextIngester
	Runtime       func() any
	VAPIDKey      string
	Location      *time.Location

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     logx.Logger

	now func() time.Time
}

// RouterOptions are the hot-reloadable parts of the HTTP config that shape the router.
type RouterOptions struct {
	CORSOrigins    []string
	AdminJWTSecret string
	Pprof          bool
}

// NewRouter builds the gin engine. Metrics are registered on d.Registerer once
// per call, so a process builds at most one router per registry.
func NewRouter(opts RouterOptions, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log := d.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "http"))

	now := d.now
	if now == nil {
		now = time.Now
	}
	h := &handlers{
		subs:     d.Subscriptions,
		notifier: d.Notifier,
		sched:    d.Schedule,
		ingest:   d.Ingest,
		runtime:  d.Runtime,
		vapidKey: d.VAPIDKey,
		loc:      d.Location,
		now:      now,
		log:      log,
	}

	r := gin.New()
	r.Use(recovery(log), requestLogger(log), newHTTPMetrics(d.Registerer).middleware())
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", h.healthz)
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	pushAPI := api.Group("/push")
	pushAPI.GET("/vapid-public-key", h.vapidPublicKey)
	pushAPI.POST("/subscribe", h.subscribe)
	pushAPI.POST("/unsubscribe", h.unsubscribe)
	pushAPI.POST("/preferences", h.updatePreferences)
	pushAPI.GET("/status", h.status)
	pushAPI.POST("/test", h.test)
	api.GET("/sq-schedule", h.sqSchedule)
	api.GET("/lounge/status", h.loungeStatus)

	admin := api.Group("/admin", adminAuth(opts.AdminJWTSecret))
	admin.GET("/push/stats", h.adminStats)
	admin.POST("/push/check", h.adminCheck)
	admin.POST("/schedule/ingest", h.adminIngest)
	admin.GET("/runtime", h.adminRuntime)
	if opts.Pprof {
		mountPprof(admin)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
