package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"gridbot/bot"
	"gridbot/config"
	"gridbot/logger"
	"gridbot/store"
)

// Controller is the slice of the bot the server drives: the published
// status mirror plus operator commands. *bot.Bot satisfies it. The
// server never touches the live ladder, only this surface.
type Controller interface {
	Status() bot.Status
	ResetRisk()
}

// Server HTTP API server for the operator. Read endpoints serve the bot's
// status mirror and the store; write endpoints forward commands to the bot.
type Server struct {
	router     *gin.Engine
	bot        Controller
	store      *store.Store
	auth       *authenticator
	httpServer *http.Server
	port       int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer Creates the operator API server
func NewServer(cfg config.APIConfig, ctrl Controller, st *store.Store) (*Server, error) {
	// Set to Release mode (reduce log output)
	gin.SetMode(gin.ReleaseMode)

	auth, err := newAuthenticator(cfg.JWTSecret, cfg.AdminPassword, cfg.ResetTOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("api auth: %w", err)
	}

	router := gin.Default()

	// Enable CORS for a local dashboard
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		bot:    ctrl,
		store:  st,
		auth:   auth,
		port:   cfg.Port,
		stopCh: make(chan struct{}),
	}

	// Setup routes
	s.setupRoutes()

	return s, nil
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes Setup routes
func (s *Server) setupRoutes() {
	// API route group
	api := s.router.Group("/api")
	{
		// Health check
		api.Any("/health", s.handleHealth)

		// Operator login (no authentication required)
		api.POST("/login", s.handleLogin)

		// Routes requiring authentication
		protected := api.Group("/", s.authMiddleware())
		{
			// Logout (add to blacklist)
			protected.POST("/logout", s.handleLogout)

			// Read-only bot state
			protected.GET("/status", s.handleStatus)
			protected.GET("/trades", s.handleTrades)
			protected.GET("/events", s.handleEvents)
			protected.GET("/equity", s.handleEquity)
			protected.GET("/statistics", s.handleStatistics)

			// Operator commands
			protected.POST("/risk/reset", s.handleRiskReset)
			protected.POST("/stop", s.handleStop)
		}
	}
}

// handleHealth Health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleLogin Exchange the admin password for an operator token
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.auth.CheckPassword(req.Password) {
		logger.Warnf("[API] Rejected login attempt from %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Password incorrect"})
		return
	}

	token, err := s.auth.GenerateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"message": "Login successful",
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// authMiddleware JWT authentication middleware
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or malformed Authorization header"})
			c.Abort()
			return
		}

		// Blacklist check
		if s.auth.IsTokenBlacklisted(tokenString) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token expired, please login again"})
			c.Abort()
			return
		}

		// Validate JWT token
		claims, err := s.auth.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// handleLogout Add current token to blacklist
func (s *Server) handleLogout(c *gin.Context) {
	tokenString, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or malformed Authorization header"})
		return
	}
	claims, err := s.auth.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	} else {
		exp = time.Now().Add(tokenTTL)
	}
	s.auth.BlacklistToken(tokenString, exp)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// handleStatus Current loop state, tier, ladder shape and risk counters
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.Status())
}

// queryLimit reads a ?limit= query parameter with a default and a cap.
func queryLimit(c *gin.Context, def int) int {
	v := c.Query("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

// handleTrades Recent fills, newest first
func (s *Server) handleTrades(c *gin.Context) {
	limit := queryLimit(c, 100)

	var (
		trades []store.TradeModel
		err    error
	)
	if symbol := c.Query("symbol"); symbol != "" {
		trades, err = s.store.Trade().ListBySymbol(symbol, limit)
	} else {
		trades, err = s.store.Trade().Recent(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to load trades: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, trades)
}

// handleEvents Recent lifecycle events (halts, rebalances, errors)
func (s *Server) handleEvents(c *gin.Context) {
	limit := queryLimit(c, 100)

	var (
		events []store.EventModel
		err    error
	)
	if eventType := c.Query("type"); eventType != "" {
		events, err = s.store.Event().RecentByType(eventType, limit)
	} else {
		events, err = s.store.Event().Recent(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to load events: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, events)
}

// handleEquity Equity curve snapshots, newest first
func (s *Server) handleEquity(c *gin.Context) {
	limit := queryLimit(c, 500)

	snaps, err := s.store.Equity().GetLatest(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to load equity history: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, snaps)
}

// handleStatistics Aggregated round-trip statistics for the bot's symbol
func (s *Server) handleStatistics(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		symbol = s.bot.Status().Symbol
	}

	stats, err := s.store.Trade().Stats(symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to load statistics: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleRiskReset Clear a risk halt. When a TOTP secret is configured the
// request must carry a valid one-time code.
func (s *Server) handleRiskReset(c *gin.Context) {
	var req struct {
		OTPCode string `json:"otp_code"`
	}

	// The body is optional when no TOTP secret is configured.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.auth.VerifyResetCode(req.OTPCode) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Verification code error"})
		return
	}

	logger.Warnf("[API] Risk reset requested by operator")
	s.bot.ResetRisk()
	c.JSON(http.StatusOK, gin.H{"message": "Risk reset requested"})
}

// handleStop Request a graceful shutdown of the whole process
func (s *Server) handleStop(c *gin.Context) {
	logger.Warnf("[API] Stop requested by operator")
	c.JSON(http.StatusOK, gin.H{"message": "Shutdown initiated"})
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// StopRequested is closed once an operator calls the stop endpoint.
func (s *Server) StopRequested() <-chan struct{} {
	return s.stopCh
}

// Start Run the HTTP server. Binds loopback only; the operator API is not
// meant to face the network.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	logger.Infof("🌐 API server starting at http://%s", addr)
	logger.Infof("📊 API endpoints:")
	logger.Infof("  • GET  /api/health      - Health check (no auth required)")
	logger.Infof("  • POST /api/login       - Operator login (admin password)")
	logger.Infof("  • GET  /api/status      - Loop state, tier, ladder, risk")
	logger.Infof("  • GET  /api/trades      - Recent fills")
	logger.Infof("  • GET  /api/events      - Recent lifecycle events")
	logger.Infof("  • GET  /api/equity      - Equity curve snapshots")
	logger.Infof("  • GET  /api/statistics  - Round-trip statistics")
	logger.Infof("  • POST /api/risk/reset  - Clear a risk halt")
	logger.Infof("  • POST /api/stop        - Graceful shutdown")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown Gracefully shutdown server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
