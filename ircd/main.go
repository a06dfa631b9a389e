package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/malefirc/malefirc/config"
	"github.com/malefirc/malefirc/irc"
	"github.com/malefirc/malefirc/store"
)

func main() {
	configPath := flag.String("config", "", "Path to an optional configuration file (yaml, toml or json)")
	flag.Parse()

	// A .env file, when present, feeds the environment before the config
	// layer reads it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		st = db
	} else {
		log.Printf("No database configured, accounts and history are in-memory only")
		st = store.NewMemory()
	}

	srv := irc.NewServer(cfg, st)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	fmt.Printf("IRC server %s listening on %s\n", cfg.ServerName, cfg.ListenAddr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Fatalf("Error shutting down server: %v", err)
	}
}
