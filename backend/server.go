package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/handler"
	"github.com/AnTengye/dealdesk/backend/middleware"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pipeline"
	"github.com/AnTengye/dealdesk/backend/service"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/gin-gonic/gin"
)

// app holds the services shared by the HTTP handlers
type app struct {
	cfg        *config.Config
	store      store.Store
	minio      *service.MinioService
	mineru     *service.MineruService // nil when no MinerU token is configured
	users      *service.UserService
	processor  *pipeline.Processor
	background *handler.Background
}

func openStore(cfg *config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(cfg.MaxDocuments), nil
	case "postgres":
		return store.OpenPostgres(cfg.DSN())
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := openStore(&cfg.Database)
	if err != nil {
		return nil, err
	}

	minioSvc, err := service.NewMinioService(&cfg.Minio)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init minio: %w", err)
	}

	a := &app{
		cfg:        cfg,
		store:      st,
		minio:      minioSvc,
		users:      service.NewUserService(st),
		background: &handler.Background{},
	}

	var ocr service.OCR
	if cfg.Mineru.APIToken != "" {
		a.mineru = service.NewMineruService(&cfg.Mineru)
		ocr = a.mineru
	}

	var analyzer pipeline.Analyzer
	var classifier pipeline.Classifier
	if cfg.LLM.Enabled() {
		llm, err := service.NewLLMService(ctx, &cfg.LLM)
		if err != nil {
			st.Close()
			return nil, err
		}
		analyzer, classifier = llm, llm
	}

	a.processor = pipeline.NewProcessor(st, service.NewExtractionService(minioSvc, ocr), analyzer, classifier, pipeline.Config{
		DocumentTimeout:    cfg.Pipeline.DocumentTimeout(),
		ClassifierMaxChars: cfg.Pipeline.ClassifierMaxChars,
		AnalyzerMaxChars:   cfg.Pipeline.AnalyzerMaxChars,
		Compliance:         cfg.Compliance,
	})
	return a, nil
}

func (a *app) router() *gin.Engine {
	authHandler := handler.NewAuthHandler(a.users, a.store, &a.cfg.Auth)
	userHandler := handler.NewUserHandler(a.store)
	dealHandler := handler.NewDealHandler(a.store, a.minio, a.processor, a.background)
	documentHandler := handler.NewDocumentHandler(a.store, a.minio, service.NewPDFInspector(), a.processor, a.background,
		&a.cfg.Upload, a.cfg.Pipeline.MaxDocumentsPerDeal)
	ddHandler := handler.NewDueDiligenceHandler(a.store, a.processor)
	analyticsHandler := handler.NewAnalyticsHandler(a.store)

	router := gin.New()
	router.MaxMultipartMemory = a.cfg.Upload.MaxFileSize()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS())
	router.Use(middleware.NoCache("/api"))
	router.Use(middleware.RateLimit(a.cfg.Server.RequestsPerSecond, a.cfg.Server.Burst))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/auth/register", authHandler.Register)
		api.POST("/auth/login", authHandler.Login)
		if a.mineru != nil {
			api.POST("/mineru/callback", handler.NewCallbackHandler(a.mineru).HandleCallback)
		}
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&a.cfg.Auth))
	{
		protected.POST("/auth/refresh", authHandler.Refresh)
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/auth/change-password", authHandler.ChangePassword)

		protected.GET("/users", middleware.RequireRole(model.RoleAdmin, model.RoleManager), userHandler.List)
		protected.GET("/users/:id", userHandler.Get)

		protected.POST("/deals", dealHandler.Create)
		protected.GET("/deals", dealHandler.List)
		protected.GET("/deals/:id", dealHandler.Get)
		protected.PUT("/deals/:id", dealHandler.Update)
		protected.DELETE("/deals/:id", dealHandler.Delete)
		protected.POST("/deals/:id/start-processing", dealHandler.StartProcessing)
		protected.GET("/deals/:id/status", dealHandler.Status)

		protected.POST("/documents/upload", documentHandler.Upload)
		protected.GET("/documents", documentHandler.List)
		protected.GET("/documents/:id", documentHandler.Get)
		protected.POST("/documents/:id/process", documentHandler.Process)
		protected.POST("/documents/:id/archive", documentHandler.Archive)
		protected.DELETE("/documents/:id", documentHandler.Delete)

		protected.POST("/due-diligence/analyze", ddHandler.Analyze)
		protected.GET("/due-diligence/reports/:deal_id", ddHandler.Report)
		protected.GET("/due-diligence/risk-assessment/:deal_id", ddHandler.RiskAssessment)

		protected.GET("/analytics/dashboard", analyticsHandler.Dashboard)
		protected.GET("/analytics/pipeline", analyticsHandler.Pipeline)
	}

	return router
}

// close waits for background pipeline runs and releases the store
func (a *app) close() error {
	a.background.Wait()
	return a.store.Close()
}
