package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// mountPprof serves net/http/pprof under g at /debug/pprof.
func mountPprof(g *gin.RouterGroup) {
	prefix := strings.TrimSuffix(g.BasePath(), "/") + "/debug/pprof/"
	p := g.Group("/debug/pprof")
	p.GET("/", gin.WrapF(pprofIndexAt(prefix)))
	p.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	p.GET("/profile", gin.WrapF(hpprof.Profile))
	p.GET("/symbol", gin.WrapF(hpprof.Symbol))
	p.POST("/symbol", gin.WrapF(hpprof.Symbol))
	p.GET("/trace", gin.WrapF(hpprof.Trace))
	p.GET("/:profile", gin.WrapF(pprofIndexAt(prefix)))
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so the path is
// rewritten before calling it.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
