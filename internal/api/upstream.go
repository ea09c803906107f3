package api

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/pam-backend/pam-backend/internal/middleware"
)

// UpstreamRoutes proxies the tracked domain resources to the backend at
// target. Each resource gets its own routes because a catch-all on /api
// would collide with /api/v1. The Authorization header is forwarded as is.
func UpstreamRoutes(target *url.URL) func(rg *gin.RouterGroup) {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			r.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("upstream request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"success":false,"message":"Upstream service unavailable"}`))
		},
	}

	handler := func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}

	return func(rg *gin.RouterGroup) {
		for _, res := range middleware.TrackedResources() {
			rg.Any("/"+res, handler)
			rg.Any("/"+res+"/*path", handler)
		}
	}
}
