package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"companion-engine/internal/config"
	"companion-engine/internal/db"
	"companion-engine/internal/domain"
	"companion-engine/internal/llm"
	"companion-engine/internal/repository"
	"companion-engine/internal/service"
)

// cli_chat is a terminal harness for exercising the full turn pipeline
// against a real database without going through HTTP: useful for poking at
// emotion/intimacy/billing behavior interactively during development.
func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	logger := zap.NewNop()

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
	uow := repository.NewPgUnitOfWork(pool)

	var llmClient llm.LLMClient
	if cfg.MockLLM {
		llmClient = &llm.MockClient{Response: `{"reply":"Hey, good to hear from you.","emotion_delta":2,"intent":"chat","is_nsfw":false}`}
	} else {
		llmClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	}

	walletSvc := service.NewWalletService(walletRepo, ledgerRepo, uow, cfg.DailyCreditsFree, cfg.DailyCreditsPremium, cfg.DailyCreditsVIP)
	staminaSvc := service.NewStaminaService(staminaRepo, walletRepo, ledgerRepo, uow)
	subscriptionSvc := service.NewSubscriptionService(subscriptionRepo, ledgerRepo, uow)
	intimacySvc := service.NewIntimacyService(userStateRepo, service.NewInMemoryActionLog())
	emotionSvc := service.NewEmotionService(userStateRepo, characterProfileRepo, llmClient)
	contentSvc := service.NewContentRatingService()
	eventsSvc := service.NewEventTriggerService()
	analysisSvc := service.NewAnalysisService(llmClient, characterProfileRepo, logger)

	pipeline := service.NewPipelineService(
		sessionRepo, messageRepo, characterRepo, memoryRepo, effectRepo,
		userProfileRepo, scenarioRepo, userStateRepo, uow,
		walletSvc, staminaSvc, subscriptionSvc, intimacySvc, emotionSvc, contentSvc, analysisSvc,
		nil, eventsSvc, nil, llmClient, logger,
	)
	defer pipeline.Shutdown()

	user, err := ensureUser(ctx, pool, userRepo, "cli_test@example.com")
	if err != nil {
		log.Fatal(err)
	}

	character, err := ensureCharacter(ctx, characterRepo, "Aria")
	if err != nil {
		log.Fatal(err)
	}

	session, err := sessionRepo.Create(ctx, domain.Session{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		CharacterID:   character.ID,
		CharacterName: character.Name,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Fatal(err)
	}

	if _, err := walletRepo.Get(ctx, user.ID); errors.Is(err, pgx.ErrNoRows) {
		log.Println("seeding a starter wallet for this test user")
		now := time.Now().UTC()
		if err := walletRepo.Create(ctx, domain.Wallet{UserID: user.ID, CreatedAt: now, UpdatedAt: now}); err != nil {
			log.Fatal(err)
		}
	}

	fmt.Printf("Chatting with %s. Type 'exit' to quit.\n", character.Name)
	runChat(ctx, reader, character.Name, user.ID, session.ID, character.ID, pipeline)
}

func runChat(ctx context.Context, reader *bufio.Reader, characterName, userID, sessionID, characterID string, pipeline *service.PipelineService) {
	for {
		fmt.Print("You > ")
		text, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("read input: %v", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.EqualFold(text, "exit") || strings.EqualFold(text, "salir") {
			fmt.Println("Bye.")
			return
		}

		resp, err := pipeline.ProcessTurn(ctx, service.ChatTurnRequest{
			SessionID:   sessionID,
			UserID:      userID,
			CharacterID: characterID,
			Message:     text,
		}, time.Now().UTC())
		if err != nil {
			log.Printf("turn failed: %v", err)
			continue
		}

		fmt.Printf("%s > %s\n", characterName, resp.Reply)
	}
}

func ensureUser(ctx context.Context, pool *pgxpool.Pool, repo repository.UserRepository, email string) (domain.User, error) {
	const query = `SELECT id, email, display_name, created_at FROM users WHERE email = $1`

	var u domain.User
	err := pool.QueryRow(ctx, query, email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, err
	}

	u = domain.User{ID: uuid.NewString(), Email: email, CreatedAt: time.Now().UTC()}
	if err := repo.Create(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func ensureCharacter(ctx context.Context, repo *repository.PgCharacterRepository, name string) (domain.Character, error) {
	existing, err := repo.FindByName(ctx, name)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Character{}, err
	}

	character := domain.Character{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, character); err != nil {
		return domain.Character{}, err
	}
	return character, nil
}
