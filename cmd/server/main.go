package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ganamos/backend/docs"
	"github.com/ganamos/backend/internal/audit"
	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/internal/database"
	"github.com/ganamos/backend/internal/events"
	"github.com/ganamos/backend/internal/handlers"
	"github.com/ganamos/backend/internal/job"
	"github.com/ganamos/backend/internal/lightning"
	"github.com/ganamos/backend/internal/metrics"
	mW "github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/notify"
	"github.com/ganamos/backend/internal/services"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// @title Ganamos Backend API
// @version 1.0
// @description Lightning withdrawals, admin approval, groups, posts and device integrations
// @host localhost:8080
// @BasePath /api
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	config.Init()
	configErr := config.ReadFile()

	logger.Init(viper.GetString("app.env"))
	defer logger.Sync()

	if configErr != nil {
		logger.Info("Config file not found, using environment", zap.Error(configErr))
	}

	docs.SwaggerInfo.Title = "Ganamos Backend API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.BasePath = "/api"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	mW.InitAuthMiddleware(redisClient)

	withdrawalPolicy := config.LoadWithdrawalPolicy()
	devicePolicy := config.LoadDevicePolicy()
	alexaConfig := config.LoadAlexaConfig()

	gateway := lightning.NewLNDClient(lightning.LNDConfig{
		BaseURL:       viper.GetString("lightning.url"),
		Macaroon:      viper.GetString("lightning.macaroon"),
		TLSSkipVerify: viper.GetBool("lightning.tls_skip_verify"),
		Timeout:       viper.GetDuration("lightning.pay_timeout"),
	})

	// Emails go through the asynq queue when Redis is up, otherwise they
	// are sent from a goroutine.
	mailer := notify.NewMailer(notify.LoadSMTPConfig())
	var (
		dispatcher  notify.Dispatcher
		emailWorker *notify.Worker
		asyncMail   *notify.AsyncDispatcher
	)
	if redisClient != nil {
		redisOpt := asynq.RedisClientOpt{
			Addr:     database.RedisAddr(),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		}
		queueClient := asynq.NewClient(redisOpt)
		defer queueClient.Close()
		dispatcher = notify.NewQueueDispatcher(queueClient)

		emailWorker = notify.NewWorker(redisOpt, mailer, 5)
		if err := emailWorker.Start(); err != nil {
			logger.Error("[EMAIL] worker failed to start", zap.Error(err))
			emailWorker = nil
		}
	} else {
		asyncMail = notify.NewAsyncDispatcher(mailer)
		dispatcher = asyncMail
	}
	notifier := notify.NewNotifier(dispatcher, viper.GetString("app.url"))

	// Outbox rows are always written; the sender only runs with brokers.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var outboxSender *job.OutboxSender
	kafkaCfg := events.LoadKafkaConfig()
	if kafkaCfg.Enabled() {
		producer, err := events.NewProducer(kafkaCfg)
		if err != nil {
			logger.Error("[KAFKA] producer unavailable, outbox sender disabled", zap.Error(err))
		} else {
			publisher := events.NewPublisher(producer)
			defer publisher.Close()
			outboxSender = job.NewOutboxSender(events.NewOutboxRepository(db), publisher, kafkaCfg.MaxRetryCount)
			go outboxSender.Start(workerCtx)
		}
	}

	ledgerService := services.NewLedgerService(db)
	withdrawalService := services.NewWithdrawalService(ledgerService, gateway, notifier, audit.NewLogger(db), redisClient, withdrawalPolicy)
	approvalService := services.NewApprovalService(withdrawalService)
	sessionService := services.NewSessionService(db, redisClient, ledgerService)
	groupService := services.NewGroupService(db)
	postService := services.NewPostService(db, ledgerService, groupService)
	deviceHandler := handlers.NewDeviceHandler(services.NewDeviceService(db, redisClient, ledgerService, devicePolicy))
	alexaHandler := handlers.NewAlexaHandler(services.NewAlexaService(db, groupService, ledgerService, alexaConfig))
	webhookService := services.NewGitHubWebhookService(db, viper.GetString("github.webhook_secret"))

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.With(mW.NoStore).Get("/device/config", deviceHandler.GetConfig)
		r.Post("/admin/github/webhook", webhookService.HandleWebhook)
		r.Post("/alexa/token", alexaHandler.Token)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/auth/logout", sessionService.Logout)

			r.Get("/session", sessionService.GetSession)
			r.Get("/session/connected-accounts", sessionService.ListConnectedAccounts)
			r.Post("/session/active-account", sessionService.SetActive)

			r.Post("/wallet/withdraw", withdrawalService.Withdraw)
			r.Get("/wallet/transactions", withdrawalService.ListMyTransactions)

			r.Post("/device/pair", deviceHandler.Pair)
			r.Delete("/device/{deviceId}", deviceHandler.Unpair)

			r.Post("/alexa/complete-linking", alexaHandler.CompleteLinking)

			r.Post("/groups/{groupId}/join", groupService.JoinGroup)
			r.Get("/groups/{groupId}/members", groupService.ListMembers)
			r.Post("/groups/{groupId}/members/{userId}/approve", groupService.ApproveMember)
			r.Post("/groups/{groupId}/members/{userId}/reject", groupService.RejectMember)

			r.Get("/posts", postService.ListPosts)
			r.Post("/posts", postService.CreatePost)
			r.Post("/posts/{postId}/claim", postService.ClaimPost)
			r.Post("/posts/{postId}/submit-fix", postService.SubmitFixHandler)
			r.Post("/posts/{postId}/approve-fix", postService.ApproveFixHandler)
			r.Post("/posts/{postId}/reject-fix", postService.RejectFixHandler)
			r.Post("/posts/{postId}/cancel", postService.CancelPost)

			r.Route("/admin", func(r chi.Router) {
				r.Use(mW.AdminOnly(withdrawalPolicy))
				r.Get("/withdrawals", approvalService.ListWithdrawals)
				r.Post("/withdrawals/approve", approvalService.ReviewWithdrawal)
			})
		})
	})

	port := viper.GetString("app.port")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("Server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	stopWorkers()
	if outboxSender != nil {
		outboxSender.Stop()
	}
	if emailWorker != nil {
		emailWorker.Stop()
	}
	if asyncMail != nil {
		asyncMail.Wait()
	}

	logger.Info("Server stopped")
}
