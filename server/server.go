package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/mailbridge/mailbridge/api"
	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/internal/cron"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/services"
)

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	cronManager  *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	// Initialize logger
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	// Initialize tracing
	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		log.Fatalf("Could not initialize jaeger tracer: %s", err.Error())
	}
	opentracing.SetGlobalTracer(tracer)

	// Initialize repositories
	repos := repository.InitRepositories(db)

	// Initialize services
	svcs, err := services.InitServices(cfg, appLogger, repos)
	if err != nil {
		return nil, err
	}

	// Cron jobs, leader elected when running inside a cluster
	cronManager := cron.NewCronManager(appLogger, kubernetesClient(appLogger), svcs.ConnectionPool, repos)

	// Initialize Gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		services:     svcs,
		repositories: repos,
		cronManager:  cronManager,
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:    ":" + cfg.AppConfig.APIPort,
			Handler: router,
		},
	}, nil
}

// kubernetesClient returns nil outside a cluster, which makes the cron
// manager fall back to local mode.
func kubernetesClient(appLogger logger.Logger) kubernetes.Interface {
	clusterConfig, err := rest.InClusterConfig()
	if err != nil {
		appLogger.Infof("Not running in a cluster, cron jobs run without leader election: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		appLogger.Warnf("Failed to build kubernetes client: %v", err)
		return nil
	}
	return client
}

func (s *Server) Initialize(ctx context.Context) error {
	// Setup API routes
	api.RegisterRoutes(ctx, s.router, s.services, s.repositories, s.config.AppConfig.APIKey)
	return nil
}

func (s *Server) recoverWithJaeger(name string) {
	if r := recover(); r != nil {
		span := opentracing.GlobalTracer().StartSpan(
			fmt.Sprintf("panic.%s", name),
		)
		defer span.Finish()

		ext.Error.Set(span, true)

		span.LogKV(
			"event", "panic",
			"process", name,
			"error", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)

		log.Printf("❌ Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}

func (s *Server) wrapGoroutine(name string, fn func()) {
	defer s.recoverWithJaeger(name)
	fn()
}

func (s *Server) Run() error {
	// Create root context for the application
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize server components
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	// Start the delivery worker, recovering orphans from the previous run
	log.Println("Starting delivery worker...")
	if err := s.services.DeliveryWorker.Start(ctx); err != nil {
		return err
	}
	log.Println("✅ Delivery worker started successfully")

	// Start cron jobs
	podName := os.Getenv("POD_NAME")
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}
	if err := s.cronManager.Start(podName, namespace); err != nil {
		return err
	}

	// Start HTTP server in a goroutine with panic recovery
	go s.wrapGoroutine("http_server", func() {
		log.Println("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ HTTP server error: %v", err)
		}
	})
	log.Println("✅ HTTP server started successfully")
	log.Println("MailBridge is now running. Press Ctrl+C to exit.")

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	defer s.recoverWithJaeger("shutdown")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first
	log.Println("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ HTTP server shutdown error: %v", err)
	} else {
		log.Println("✅ HTTP server shut down successfully")
	}

	// Stop cron jobs
	s.cronManager.Stop()

	// Drain in-flight deliveries; whatever remains in sending gets requeued
	// on next startup
	log.Println("Stopping delivery worker...")
	if err := s.services.DeliveryWorker.Stop(shutdownCtx); err != nil {
		log.Printf("❌ Delivery worker shutdown error: %v", err)
	} else {
		log.Println("✅ Delivery worker stopped")
	}

	// Close pooled SMTP sessions
	s.services.ConnectionPool.Close()

	if err := s.services.EventsPublisher.Close(); err != nil {
		log.Printf("❌ Events publisher shutdown error: %v", err)
	}

	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}

	log.Println("Shutdown complete")
	return nil
}
