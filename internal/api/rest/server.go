package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenALDCore/internal/api/websocket"
	"github.com/KevinKickass/OpenALDCore/internal/auth"
	"github.com/KevinKickass/OpenALDCore/internal/command"
	"github.com/KevinKickass/OpenALDCore/internal/config"
	"github.com/KevinKickass/OpenALDCore/internal/process"
	"github.com/KevinKickass/OpenALDCore/internal/recipe"
	"github.com/KevinKickass/OpenALDCore/internal/safety"
	"github.com/KevinKickass/OpenALDCore/internal/sampler"
	"github.com/KevinKickass/OpenALDCore/internal/storage"
)

type Server struct {
	router     *gin.Engine
	logger     *zap.Logger
	server     *http.Server
	wsHub      *websocket.Hub
	jwt        *auth.JWTHandler
	engine     *process.Engine
	dispatcher *command.Dispatcher
	arbiter    *command.Arbiter
	sampler    *sampler.Sampler
	safety     *safety.Coordinator
	store      *storage.PostgresClient
	validator  *recipe.Validator

	commandWaitTimeout time.Duration
}

type Deps struct {
	Engine     *process.Engine
	Dispatcher *command.Dispatcher
	Arbiter    *command.Arbiter
	Sampler    *sampler.Sampler
	Safety     *safety.Coordinator
	Store      *storage.PostgresClient
	Validator  *recipe.Validator
}

func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger, wsHub *websocket.Hub, jwt *auth.JWTHandler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:             gin.New(),
		logger:             logger,
		wsHub:              wsHub,
		jwt:                jwt,
		engine:             deps.Engine,
		dispatcher:         deps.Dispatcher,
		arbiter:            deps.Arbiter,
		sampler:            deps.Sampler,
		safety:             deps.Safety,
		store:              deps.Store,
		validator:          deps.Validator,
		commandWaitTimeout: cfg.Arbiter.CommandWaitTimeout,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== MACHINE CONTROL ====================
		machine := v1.Group("/machine")
		machine.Use(s.jwt.Middleware())
		{
			machine.GET("/status", s.getMachineStatus)
			machine.POST("/start", s.startRecipe)
			machine.POST("/stop", s.stopRecipe)
			machine.POST("/acknowledge", s.acknowledgeError)
			machine.POST("/emergency-stop", s.emergencyStop)
		}

		// ==================== RECIPES ====================
		recipes := v1.Group("/recipes")
		recipes.Use(s.jwt.Middleware())
		{
			recipes.GET("", s.listRecipes)
			recipes.GET("/:id", s.getRecipe)
			recipes.POST("", s.createRecipe)
			recipes.POST("/validate", s.validateRecipe)
		}

		// ==================== EXECUTIONS ====================
		executions := v1.Group("/executions")
		executions.Use(s.jwt.Middleware())
		{
			executions.GET("/:id", s.getExecutionStatus)
		}

		// ==================== COMMANDS ====================
		commands := v1.Group("/commands")
		commands.Use(s.jwt.Middleware())
		{
			commands.POST("", s.submitCommand)
			commands.GET("/:id", s.getCommand)
		}

		// ==================== PARAMETERS ====================
		parameters := v1.Group("/parameters")
		parameters.Use(s.jwt.Middleware())
		{
			parameters.GET("", s.listParameters)
			parameters.POST("/:id/read", s.readParameter)
			parameters.POST("/:id/write", s.writeParameter)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.jwt.Middleware())
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.jwt.Middleware(), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
