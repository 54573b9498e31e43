package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/4xmen/goftogoo/internal/blob"
)

// Routes mounts the REST API under /api. Nil limiters leave the auth
// endpoints unthrottled; a nil Files store skips attachment serving.
type Routes struct {
	Auth       *AuthHandler
	Chats      *ChatHandler
	Moderation *ModerationHandler
	Push       *PushHandler
	Files      *blob.FS

	LoginLimiter    *limiter.Limiter
	RegisterLimiter *limiter.Limiter
}

func limited(l *limiter.Limiter, h gin.HandlerFunc) []gin.HandlerFunc {
	if l == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{RateLimit(l), h}
}

func (r Routes) Mount(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.POST("/auth/register", limited(r.RegisterLimiter, r.Auth.Register)...)
		api.POST("/auth/login", limited(r.LoginLimiter, r.Auth.Login)...)
		if r.Files != nil {
			api.GET("/files/*filepath", ServeFiles(r.Files))
		}
	}

	protected := api.Group("")
	protected.Use(r.Auth.AuthMiddleware())
	{
		protected.GET("/me", r.Auth.Me)

		// Chats
		protected.GET("/chats", r.Chats.ListChats)
		protected.POST("/chats", r.Chats.CreateChat)
		protected.POST("/chats/refresh", r.Chats.RefreshChats)
		protected.DELETE("/chats/:id", r.Chats.DeleteChat)
		protected.PUT("/chats/:id/read", r.Chats.MarkChatRead)
		protected.GET("/chats/:id/search", r.Chats.Search)
		protected.POST("/chats/:id/attachments", r.Chats.UploadImage)
		protected.POST("/chats/:id/typing", r.Chats.StartTyping)
		protected.DELETE("/chats/:id/typing", r.Chats.StopTyping)

		// Messages
		protected.GET("/chats/:id/messages", r.Chats.GetMessages)
		protected.POST("/chats/:id/messages", r.Chats.SendMessage)
		protected.PUT("/chats/:id/messages/:msg", r.Chats.EditMessage)
		protected.DELETE("/chats/:id/messages/:msg", r.Chats.DeleteMessage)
		protected.POST("/chats/:id/messages/:msg/reactions", r.Chats.React)
		protected.PUT("/chats/:id/messages/:msg/read", r.Chats.MarkAsRead)

		// Unread
		protected.GET("/unread", r.Chats.GetUnread)
		protected.POST("/unread/read-all", r.Chats.MarkAllRead)

		// Moderation
		protected.POST("/chats/:id/messages/:msg/report", r.Moderation.Report)
		protected.POST("/chats/:id/messages/:msg/moderate", r.Moderation.DeleteMessage)
		protected.POST("/chats/:id/messages/:msg/visibility", r.Moderation.ToggleVisibility)
		protected.GET("/chats/:id/moderation", r.Moderation.Permissions)
		protected.POST("/chats/:id/moderation/warnings", r.Moderation.Warn)
		protected.POST("/chats/:id/moderation/bans", r.Moderation.Ban)
		protected.DELETE("/chats/:id/moderation/bans/:user", r.Moderation.Unban)
		protected.POST("/chats/:id/moderation/mutes", r.Moderation.Mute)
		protected.DELETE("/chats/:id/moderation/mutes/:user", r.Moderation.Unmute)
		protected.GET("/chats/:id/moderation/history", r.Moderation.History)
		protected.DELETE("/chats/:id/moderation/history", r.Moderation.ClearHistory)
		protected.POST("/admin/bans", r.Moderation.GlobalBan)
		protected.DELETE("/admin/bans/:user", r.Moderation.GlobalUnban)
		protected.POST("/admin/moderators/:user", r.Moderation.GrantModerator)
		protected.DELETE("/admin/moderators/:user", r.Moderation.RevokeModerator)

		// Push
		if r.Push != nil {
			protected.GET("/push/vapid-key", r.Push.VAPIDKey)
			protected.POST("/push/subscriptions", r.Push.Subscribe)
			protected.DELETE("/push/subscriptions", r.Push.Unsubscribe)
		}
	}
}
