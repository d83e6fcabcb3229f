package api

import (
	"Mindweave/internal/api/middleware"
	"Mindweave/internal/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(group *HandlersGroup) *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"localhost"})

	// TraceId & Logger & CORS
	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.AuditMiddleware())
	r.Use(middleware.CORSMiddleware())
	logger.SetupGin(r)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"Code":    200,
				"Message": "pong",
				"Data":    nil,
			})
		})

		userGroup := apiGroup.Group("/user")
		{
			// 无需登录即可访问的接口
			userGroup.POST("/login", group.UserHandler.Login)
			userGroup.POST("/register", group.UserHandler.Register)

			authGroup := userGroup.Group("")
			authGroup.Use(middleware.AuthMiddleware())
			{
				authGroup.POST("/logout", group.UserHandler.Logout)
				authGroup.GET("/info", group.UserHandler.GetUserInfo)
				authGroup.PUT("/avatar", group.UserHandler.UpdateAvatar)
			}
		}

		imGroup := apiGroup.Group("/im")
		{
			// WebSocket 鉴权走 query token，不经过 Auth 中间件
			imGroup.GET("", group.WSHandler.Connect)

			authGroup := imGroup.Group("")
			authGroup.Use(middleware.AuthMiddleware())
			{
				authGroup.GET("/list", group.IMHandler.GetConversationList)
				authGroup.POST("/conversation", group.IMHandler.CreateConversation)
				authGroup.DELETE("/conversation/:id", group.IMHandler.DeleteConversation)
				authGroup.POST("/conversation/pin", group.IMHandler.PinConversation)

				authGroup.POST("/send", group.IMHandler.SendMessage)
				authGroup.PUT("/message", group.IMHandler.EditMessage)
				authGroup.DELETE("/message/:id", group.IMHandler.DeleteMessage)
				authGroup.POST("/reaction", group.IMHandler.ToggleReaction)

				authGroup.POST("/read", group.IMHandler.MarkAsRead)
				authGroup.GET("/history", group.IMHandler.GetChatHistory)
				authGroup.GET("/search", group.IMHandler.SearchMessages)
			}
		}

		mediaGroup := apiGroup.Group("/media")
		{
			mediaGroup.Use(middleware.AuthMiddleware())
			mediaGroup.POST("/upload", group.MediaHandler.Upload)
		}
	}

	return r
}
