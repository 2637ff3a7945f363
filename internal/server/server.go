package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"collabsync/internal/config"
)

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func Run(cfg config.Config, handler http.Handler) error {
	srv := NewHTTPServer(cfg, handler)
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		glog.Infof("[server]listening on %s (tls)\n", srv.Addr)
		return srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	glog.Infof("[server]listening on %s\n", srv.Addr)
	return srv.ListenAndServe()
}
