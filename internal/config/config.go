package config

import "github.com/caarlos0/env/v10"

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	LLMAPIKey        string `env:"LLM_API_KEY,required"`
	LLMBaseURL       string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel         string `env:"LLM_MODEL" envDefault:"gpt-5.1"`
	LLMEmbeddingModel string `env:"LLM_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	LLMRefinerModel  string `env:"LLM_REFINER_MODEL" envDefault:"gpt-5.1-mini"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPass     string `env:"SMTP_PASS"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME"`
	SMTPUseTLS   bool   `env:"SMTP_USE_TLS" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Rate-limit tiers, tokens per minute, refilled continuously.
	RateLimitFreeRPM    int `env:"RATE_LIMIT_FREE_RPM" envDefault:"5"`
	RateLimitPremiumRPM int `env:"RATE_LIMIT_PREMIUM_RPM" envDefault:"30"`
	RateLimitVIPRPM     int `env:"RATE_LIMIT_VIP_RPM" envDefault:"100"`

	// Daily free-credit allowances by effective tier.
	DailyCreditsFree    float64 `env:"DAILY_CREDITS_FREE" envDefault:"10"`
	DailyCreditsPremium float64 `env:"DAILY_CREDITS_PREMIUM" envDefault:"100"`
	DailyCreditsVIP     float64 `env:"DAILY_CREDITS_VIP" envDefault:"300"`

	HistoryWindowFree    int `env:"HISTORY_WINDOW_FREE" envDefault:"10"`
	HistoryWindowPremium int `env:"HISTORY_WINDOW_PREMIUM" envDefault:"20"`

	MockLLM      bool `env:"MOCK_LLM" envDefault:"false"`
	MockDatabase bool `env:"MOCK_DATABASE" envDefault:"false"`
	MockPayment  bool `env:"MOCK_PAYMENT" envDefault:"false"`
	UseV4Pipeline bool `env:"USE_V4_PIPELINE" envDefault:"true"`

	JWTSecret            string `env:"JWT_SECRET"`
	JWTAccessTTLMinutes  int    `env:"JWT_ACCESS_TTL_MINUTES" envDefault:"15"`
	JWTRefreshTTLMinutes int    `env:"JWT_REFRESH_TTL_MINUTES" envDefault:"43200"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
