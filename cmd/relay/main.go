package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"collabsync/internal/auth"
	"collabsync/internal/config"
	"collabsync/internal/logging"
	"collabsync/internal/server"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer glog.Flush()

	gin.SetMode(cfg.GinMode)

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{
		TokenConfig:          tokenCfg,
		AllowDevTokens:       cfg.AllowDevTokens,
		RelayEventsPerSecond: cfg.RelayEventsPerSecond,
		RelayEventBurst:      cfg.RelayEventBurst,
	})
	if cfg.AllowDevTokens {
		glog.Warningf("[relay]dev tokens enabled on POST /v1/tokens\n")
	}
	glog.Fatal(server.Run(cfg, router))
}
