// Package main запускает HTTP-сервер сервиса ReHome.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/rehome-backend/internal/config"
	"github.com/mmeshcher/rehome-backend/internal/gemini"
	"github.com/mmeshcher/rehome-backend/internal/handler"
	"github.com/mmeshcher/rehome-backend/internal/middleware"
	"github.com/mmeshcher/rehome-backend/internal/qpay"
	"github.com/mmeshcher/rehome-backend/internal/repository"
	"github.com/mmeshcher/rehome-backend/internal/service"
	"github.com/mmeshcher/rehome-backend/internal/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	files, err := storage.NewFileStore(cfg.MediaRoot)
	if err != nil {
		sugar.Fatalw("media storage initialization error", "error", err.Error())
	}

	qpayClient := qpay.NewClient(cfg.QPayBaseURL, cfg.QPayUsername, cfg.QPayPassword, cfg.QPayInvoiceCode)
	geminiClient := gemini.NewClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel)

	svc := service.NewService(repo, qpayClient, geminiClient, files, service.Options{
		WelcomeCredits:  cfg.WelcomeCredits,
		OTPTestCode:     cfg.OTPTestCode,
		CallbackBaseURL: cfg.QPayCallbackBaseURL,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.MediaRoot)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting rehome server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
