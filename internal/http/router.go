package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires middleware and every route group onto a fresh gin engine.
func NewRouter(
	logger *zap.Logger,
	userH *UserHandler,
	chatH *ChatHandler,
	billingH *BillingHandler,
) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	users := r.Group("/users")
	users.POST("", userH.CreateUser)

	auth := r.Group("/auth")
	auth.POST("/otp/request", userH.RequestOTP)
	auth.POST("/otp/verify", userH.VerifyOTP)
	auth.POST("/oauth", userH.OAuthLogin)
	auth.POST("/login", userH.Login)
	auth.POST("/refresh", userH.RefreshToken)
	auth.POST("/logout", userH.Logout)

	r.POST("/session", chatH.CreateSession)
	r.POST("/message", chatH.PostMessage)

	wallet := r.Group("/wallet")
	wallet.GET("/balance", billingH.GetBalance)
	wallet.POST("/purchase", billingH.PurchaseCredits)
	wallet.GET("/transactions", billingH.ListTransactions)

	stamina := r.Group("/stamina")
	stamina.GET("", billingH.GetStamina)
	stamina.POST("/purchase", billingH.PurchaseStamina)

	gifts := r.Group("/gifts")
	gifts.POST("", billingH.SendGift)
	gifts.GET("/catalog", billingH.GetCatalog)
	gifts.GET("/history", billingH.GiftHistory)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
