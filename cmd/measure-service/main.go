package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/nurpe/meter-readings/internal/auth"
	"github.com/nurpe/meter-readings/internal/config"
	"github.com/nurpe/meter-readings/internal/db"
	"github.com/nurpe/meter-readings/internal/excel"
	httphandler "github.com/nurpe/meter-readings/internal/http"
	"github.com/nurpe/meter-readings/internal/http/middleware"
	"github.com/nurpe/meter-readings/internal/logger"
	"github.com/nurpe/meter-readings/internal/pdf"
	"github.com/nurpe/meter-readings/internal/repository"
	"github.com/nurpe/meter-readings/internal/service"
	"github.com/nurpe/meter-readings/internal/vision"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	database, err := db.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}

	measureRepo := repository.NewMeasureRepository(database)
	extractor := vision.NewGeminiClient(cfg.Vision, log)
	measureService := service.NewMeasureService(
		measureRepo,
		extractor,
		excel.NewGenerator(),
		pdf.NewGenerator(),
		cfg,
		log,
	)

	var authMiddleware gin.HandlerFunc
	if cfg.Auth.AccessSecret != "" {
		authMiddleware = middleware.Auth(auth.NewParser(cfg.Auth.AccessSecret))
	} else {
		log.Warn().Msg("JWT_ACCESS_SECRET is empty, measure routes are public")
	}

	handler := httphandler.NewHandler(measureService, log)
	router := httphandler.NewRouter(handler, cfg, authMiddleware, log)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	log.Info().Str("addr", addr).Msg("starting measure service")

	if err := router.Run(addr); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
