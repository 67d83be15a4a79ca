package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/dpsync"
	"github.com/mmdatafocus/receiving_backend/middlewares"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("DP_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// serve health checks while the database and Redis come up
	var current atomic.Pointer[gin.Engine]
	current.Store(bootstrapRouter())

	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			current.Load().ServeHTTP(w, req)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; running without tick lock and cluster state")
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !utils.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		models.MigrateTable(db, utils.EnvBoolDefault("DP_MIGRATE_EXTERNAL", false))
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.LoadEngineSettings()
	engine, err := dpsync.NewEngine(db, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "dpsync"}).Fatal(err)
	}
	if config.GetRedisDB() != nil {
		engine.State = dpsync.RedisStateStore{}
		if settings.DistributedTickLock {
			engine.UseTickLocker(utils.NewRedisTickLocker(config.GetRedisLock()))
		}
	}
	if settings.AutoStart {
		if _, err := engine.Start(sigCtx); err != nil {
			config.LogError(logger, "main", "main", "Start dp sync engine", nil, err)
		}
	}
	defer engine.Stop()

	if sub := strings.TrimSpace(os.Getenv("DP_REGISTRATION_SUBSCRIPTION")); sub != "" && config.PubSubConfigured() {
		go func() {
			if err := engine.StartPullSubscriber(sigCtx, sub); err != nil && sigCtx.Err() == nil {
				config.LogError(logger, "main", "StartPullSubscriber", sub, nil, err)
			}
		}()
	}

	current.Store(newRouter(engine, logger))

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func bootstrapRouter() *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting"})
	})
	return r
}

func newRouter(engine *dpsync.Engine, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationId())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	dpsync.RegisterRoutes(r, engine, middlewares.AdminAuth())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}
