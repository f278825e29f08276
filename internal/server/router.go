package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thaitranquang2004/Band-M/internal/auth"
	"github.com/thaitranquang2004/Band-M/internal/blob"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/metrics"
	"github.com/thaitranquang2004/Band-M/internal/mw"
	"github.com/thaitranquang2004/Band-M/internal/service"
	"github.com/thaitranquang2004/Band-M/internal/ws"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化中间件、REST API 与 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, relay *ws.Relay) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	store := blob.NewDiskStore(cfg.UploadDir)
	userSvc := service.NewUserService(db, cfg, store)
	friendSvc := service.NewFriendService(db, cfg)
	chatSvc := service.NewChatService(db, cfg)
	msgSvc := service.NewMessageService(db, cfg, store)
	h := NewHandler(cfg, userSvc, friendSvc, chatSvc, msgSvc, relay)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/auth/logout", h.Logout)

	authed.GET("/users/profile", h.Profile)
	authed.PUT("/users/profile", h.UpdateProfile)
	authed.GET("/users/search", h.SearchUsers)

	authed.POST("/friends/request", h.SendFriendRequest)
	authed.GET("/friends/requests/incoming", h.IncomingFriendRequests)
	authed.PUT("/friends/request/:id/accept", h.AcceptFriendRequest)
	authed.PUT("/friends/request/:id/decline", h.DeclineFriendRequest)
	authed.GET("/friends/list", h.ListFriends)

	authed.POST("/chats", h.CreateChat)
	authed.GET("/chats", h.ListChats)
	authed.POST("/chats/:id/read", h.MarkChatRead)

	authed.GET("/messages/:chatID", h.ListMessages)
	authed.POST("/messages", h.SendMessage)
	authed.PUT("/messages/:id", h.EditMessage)
	authed.DELETE("/messages/:id", h.DeleteMessage)
	authed.POST("/messages/:id/reactions", h.ReactMessage)
	authed.DELETE("/messages/:id/reactions", h.UnreactMessage)

	r.GET("/ws", ws.Serve(relay, db, cfg))

	// 媒体文件由磁盘 blob 存储直接提供稳定 URL。
	r.Static("/media", cfg.UploadDir)

	return r
}
