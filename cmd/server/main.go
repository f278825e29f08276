package main

import (
	"github.com/rs/zerolog/log"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/db"
	clog "github.com/thaitranquang2004/Band-M/internal/log"
	"github.com/thaitranquang2004/Band-M/internal/server"
	"github.com/thaitranquang2004/Band-M/internal/session"
	"github.com/thaitranquang2004/Band-M/internal/ws"
)

func main() {
	// 加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	registry := session.NewRegistry()
	relay := ws.NewRelay(registry, gdb)
	r := server.SetupRouter(cfg, gdb, relay)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
