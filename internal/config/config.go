// Package config содержит логику чтения конфигурации сервиса ReHome.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса ReHome.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	MediaRoot   string `env:"MEDIA_ROOT"`
	AuthSecret  string `env:"AUTH_SECRET"`

	// WelcomeCredits — приветственный бонус новому пользователю.
	WelcomeCredits int64 `env:"WELCOME_CREDITS" envDefault:"300"`

	// OTPTestCode — фиксированный код для тестовых стендов.
	// Пустое значение означает генерацию случайного кода.
	OTPTestCode string `env:"OTP_TEST_CODE"`

	QPayBaseURL         string `env:"QPAY_BASE_URL" envDefault:"https://merchant.qpay.mn/v2"`
	QPayUsername        string `env:"QPAY_USERNAME"`
	QPayPassword        string `env:"QPAY_PASSWORD"`
	QPayInvoiceCode     string `env:"QPAY_INVOICE_CODE"`
	QPayCallbackBaseURL string `env:"QPAY_CALLBACK_BASE_URL"`

	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash-image"`
}

// Parse считывает конфигурацию из .env-файла, флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	// .env необязателен, ошибки загрузки игнорируются
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMediaRoot := cfg.MediaRoot

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MediaRoot, "m", "media", "directory for uploaded and generated images")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMediaRoot != "" {
		cfg.MediaRoot = envMediaRoot
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MediaRoot == "" {
		cfg.MediaRoot = "media"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "rehome-secret"
	}
	if cfg.WelcomeCredits < 0 {
		return nil, fmt.Errorf("WELCOME_CREDITS must not be negative, got %d", cfg.WelcomeCredits)
	}

	return cfg, nil
}
