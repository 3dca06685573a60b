package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"companion-engine/internal/config"
	"companion-engine/internal/db"
	"companion-engine/internal/email"
	apihttp "companion-engine/internal/http"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
	"companion-engine/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	userRepo := repository.NewPgUserRepository(pool)
	characterRepo := repository.NewPgCharacterRepository(pool)
	characterProfileRepo := repository.NewPgCharacterProfileRepository(pool)
	memoryRepo := repository.NewPgMemoryRepository(pool)
	effectRepo := repository.NewPgEffectRepository(pool)
	userProfileRepo := repository.NewPgUserProfileRepository(pool)
	scenarioRepo := repository.NewPgScenarioRepository(pool)
	userStateRepo := repository.NewPgUserStateRepository(pool)
	sessionRepo := repository.NewPgSessionRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)
	walletRepo := repository.NewPgWalletRepository(pool)
	staminaRepo := repository.NewPgStaminaRepository(pool)
	subscriptionRepo := repository.NewPgSubscriptionRepository(pool)
	ledgerRepo := repository.NewPgLedgerRepository(pool)
	giftRepo := repository.NewPgGiftRepository(pool)
	uow := repository.NewPgUnitOfWork(pool)

	var llmClient llm.LLMClient
	if cfg.MockLLM {
		llmClient = &llm.MockClient{Response: "..."}
	} else {
		llmClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	}

	emailSender := email.NewDisabledSender("email sender not configured")
	if cfg.SMTPHost != "" {
		sender, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS)
		if err != nil {
			logger.Warn("smtp sender init failed", zap.Error(err))
		} else {
			emailSender = sender
		}
	}

	var (
		otpLimiter  service.OTPRateLimiter
		tokenStore  service.RefreshTokenStore
		redisClient *redis.Client
		idempoStore repository.IdempotencyStore = repository.NewMemoryIdempotencyStore()
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		} else {
			otpLimiter = service.NewRedisOTPRateLimiter(redisClient, 10*time.Minute, 3)
			tokenStore = service.NewRedisRefreshTokenStore(redisClient)
			idempoStore = repository.NewRedisIdempotencyStore(redisClient)
		}
		cancel()
	}
	rateLimiter := service.NewRateLimiter(redisClient)

	jwtSvc := service.NewJWTServiceWithStore(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLMinutes)*time.Minute,
		tokenStore,
	)
	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret not configured")
	}

	userSvc := service.NewUserService(logger, userRepo, emailSender, otpLimiter)

	walletSvc := service.NewWalletService(walletRepo, ledgerRepo, uow, cfg.DailyCreditsFree, cfg.DailyCreditsPremium, cfg.DailyCreditsVIP)
	staminaSvc := service.NewStaminaService(staminaRepo, walletRepo, ledgerRepo, uow)
	subscriptionSvc := service.NewSubscriptionService(subscriptionRepo, ledgerRepo, uow)
	intimacySvc := service.NewIntimacyService(userStateRepo, service.NewInMemoryActionLog())
	emotionSvc := service.NewEmotionService(userStateRepo, characterProfileRepo, llmClient)
	contentSvc := service.NewContentRatingService()
	eventsSvc := service.NewEventTriggerService()
	giftCatalog := service.NewStaticGiftCatalog()
	giftSvc := service.NewGiftService(giftCatalog, idempoStore, walletRepo, giftRepo, effectRepo, ledgerRepo, userStateRepo, messageRepo, uow, llmClient)
	analysisSvc := service.NewAnalysisService(llmClient, characterProfileRepo, logger)

	pipelineSvc := service.NewPipelineService(
		sessionRepo,
		messageRepo,
		characterRepo,
		memoryRepo,
		effectRepo,
		userProfileRepo,
		scenarioRepo,
		userStateRepo,
		uow,
		walletSvc,
		staminaSvc,
		subscriptionSvc,
		intimacySvc,
		emotionSvc,
		contentSvc,
		analysisSvc,
		giftSvc,
		eventsSvc,
		rateLimiter,
		llmClient,
		logger,
	)
	defer pipelineSvc.Shutdown()

	userHandler := apihttp.NewUserHandler(logger, userSvc, jwtSvc)
	chatHandler := apihttp.NewChatHandler(logger, sessionRepo, pipelineSvc)
	billingHandler := apihttp.NewBillingHandler(logger, walletSvc, staminaSvc, giftSvc, giftCatalog, ledgerRepo, giftRepo)
	router := apihttp.NewRouter(logger, userHandler, chatHandler, billingHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
