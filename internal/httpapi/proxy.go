package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// NewOrthancProxy forwards requests to the imaging server's REST API.
func NewOrthancProxy(target, username, password string, logger *zap.Logger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy target %q", target)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = u.Host
		if username != "" {
			r.SetBasicAuth(username, password)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("Proxy to imaging server failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, failBody(time.Now(), "imaging server unreachable"))
	}
	return proxy, nil
}

// NotFound answers unmatched requests with a JSON 404.
func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, failBody(time.Now(), "no handler for "+r.Method+" "+r.URL.Path))
	})
}
