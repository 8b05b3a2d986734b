package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/credentials"
	"github.com/aeolun/chatrelay/pkg/server"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath        string
	credentialsPath   string
	credentialsDriver string
	httpPort          int
	debug             bool
}

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "chatrelay-server <port> <block_duration> <idle_timeout_seconds>",
		Short: "Chat relay server",
		Long: `Runs the chat relay server.

Users are authenticated against a credential store, then exchange
broadcasts and direct messages. Direct messages to offline users are
held until they log on. Three wrong passwords block an account.
An idle_timeout_seconds of 0 disables the idle timeout.`,
		Version:       Version,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildConfig(opts, args, cmd.Flags().Changed("http-port"))
			if err != nil {
				return err
			}
			return run(opts, config)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "~/.chatrelay/config.toml", "Path to config file")
	flags.StringVar(&opts.credentialsPath, "credentials", "", "Path to credential store (overrides config)")
	flags.StringVar(&opts.credentialsDriver, "credentials-driver", "", "Credential store format: file or sqlite (overrides config)")
	flags.IntVar(&opts.httpPort, "http-port", 0, "HTTP port for /metrics, /healthz and /ws, 0 disables (overrides config)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	return cmd
}

// buildConfig loads the config file and applies the positional arguments
// and flags on top of it
func buildConfig(opts *options, args []string, httpPortSet bool) (server.ServerConfig, error) {
	tomlConfig, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return server.ServerConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	config := tomlConfig.ToServerConfig()

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return config, fmt.Errorf("invalid port %q", args[0])
	}
	blockSeconds, err := strconv.Atoi(args[1])
	if err != nil {
		return config, fmt.Errorf("invalid block duration %q", args[1])
	}
	idleSeconds, err := strconv.Atoi(args[2])
	if err != nil {
		return config, fmt.Errorf("invalid idle timeout %q", args[2])
	}

	config.TCPPort = port
	config.BlockDuration = time.Duration(blockSeconds) * time.Second
	config.IdleTimeout = time.Duration(idleSeconds) * time.Second

	if opts.credentialsPath != "" {
		config.CredentialsPath = opts.credentialsPath
	}
	if opts.credentialsDriver != "" {
		config.CredentialsDriver = opts.credentialsDriver
	}
	if httpPortSet {
		config.HTTPPort = opts.httpPort
	}

	return config, config.Validate()
}

func run(opts *options, config server.ServerConfig) error {
	creds, err := credentials.Load(config.CredentialsDriver, config.CredentialsPath)
	if err != nil {
		return err
	}

	srv := server.NewServer(creds, config)
	if opts.debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (using defaults if not found)", opts.configPath)
	log.Printf("Credentials: %s (%s, %d accounts)", config.CredentialsPath, config.CredentialsDriver, srv.Directory().Len())
	log.Printf("Idle timeout: %s, block duration: %s (blocks are permanent)", config.IdleTimeout, config.BlockDuration)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Printf("Chat relay server %s started successfully", Version)
	log.Printf("Port: %d", config.TCPPort)
	if config.HTTPPort > 0 {
		log.Printf("HTTP: port %d (/metrics, /healthz, ws://server:%d/ws)", config.HTTPPort, config.HTTPPort)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
