package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/koochoy97/leaf-microservice/internal"
	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var log = logger.Get("Bootstrap")

// main() is the entry point to the program. Configuration is read from
// the YAML file given by '-config' if present, otherwise from the
// environment. A '.env' file in the working directory is loaded first.
func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	envPath := flag.String("env", ".env", "path to a dotenv file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		log.Emit(logger.DEBUG, "No dotenv file loaded from %s: %v\n", *envPath, err)
	}

	var config internal.LeafConfig
	var err error
	if *configPath != "" {
		err = config.LoadFromFile(*configPath)
	} else {
		err = config.LoadFromEnv()
	}
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetMinLoggingLevel(logger.ParseLevel(config.LogLevel).Level())

	leaf, err := internal.New(config, internal.Renderers{})
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Leaf: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := leaf.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Leaf stopped unexpectedly: %v\n", err)
		cancel()
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Leaf shutdown complete\n")
}
