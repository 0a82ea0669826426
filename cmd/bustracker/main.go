package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bustracker/internal/config"
	"bustracker/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./bustracker.yaml", "Path to YAML config")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, logs))

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("bustracker starting")
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	if err := rt.controller.Init(ctx); err != nil {
		log.Printf("tracking init: %v", err)
	}

	log.Printf("web listen=%s", cfg.Web.Listen)
	if err := web.Serve(ctx, cfg.Web.Listen, rt.status, rt.controller, logs); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("web server stopped: %v", err)
	}
	log.Printf("bustracker stopping")
}
