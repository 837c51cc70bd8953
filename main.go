package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/rikuo/intelscene/config"
	"github.com/rikuo/intelscene/model"
	"github.com/rikuo/intelscene/onnx"
	"github.com/rikuo/intelscene/preprocess"
	"github.com/rikuo/intelscene/server"
	"github.com/rikuo/intelscene/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	slog.Info("Starting intelscene")

	ort.SetSharedLibraryPath(onnx.LibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("Failed to initialize ONNX Runtime environment", slog.String("error", err.Error()))
		return
	}
	defer ort.DestroyEnvironment()

	cfg := config.C()
	runtime, err := model.New(cfg.ModelPath, cfg.ImageSize)
	if err != nil {
		// keep serving so /health can report the failed load
		slog.Error("Failed to load model", slog.String("path", cfg.ModelPath), slog.String("error", err.Error()))
	} else {
		defer runtime.Close()
		slog.Info("Model loaded", slog.String("path", cfg.ModelPath), slog.Int("classes", len(runtime.Classes())))
	}

	svc := service.New(runtime, preprocess.New(cfg.ImageSize))
	handler := server.NewHandler(svc, runtime)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           server.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Listening on", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", slog.String("error", err.Error()))
	}
}
