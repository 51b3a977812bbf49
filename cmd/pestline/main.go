package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pestline/pestline/internal/api"
	"github.com/pestline/pestline/internal/flow"
	"github.com/pestline/pestline/internal/genai"
	"github.com/pestline/pestline/internal/lockfile"
	"github.com/pestline/pestline/internal/sms"
	"github.com/pestline/pestline/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Pestline state data
	DefaultStateDir = "/var/lib/pestline"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pestline.db"
	// consolePhone is the synthetic phone number used by the -console simulator
	consolePhone = "15550000000"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if *flags.console {
		if err := runConsole(flags); err != nil {
			slog.Error("Console session failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold the state-directory lock for the lifetime of the process.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lock.Release()

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	smsOpts := buildSMSOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping Pestline with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "sms", len(smsOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, genaiOpts, smsOpts, apiOpts); err != nil {
		slog.Error("Pestline failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Pestline exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	AccountSID  string
	AuthToken   string
	FromNumber  string
}

// Flags holds command line flag values
type Flags struct {
	console    *bool
	stateDir   *string
	dbDSN      *string
	openaiKey  *string
	apiAddr    *string
	accountSID *string
	authToken  *string
	fromNumber *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("PESTLINE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		AccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		AuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		FromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PESTLINE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PESTLINE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TWILIO_ACCOUNT_SID_SET", config.AccountSID != "",
		"TWILIO_FROM_NUMBER_SET", config.FromNumber != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		console:    flag.Bool("console", false, "run an interactive console conversation instead of the API server"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for Pestline data (overrides $PESTLINE_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:  flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		accountSID: flag.String("twilio-account-sid", config.AccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		authToken:  flag.String("twilio-auth-token", config.AuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		fromNumber: flag.String("twilio-from-number", config.FromNumber, "Twilio sending number (overrides $TWILIO_FROM_NUMBER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"console", *flags.console,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		slog.Debug("Configuring store", "dsn_type", store.DetectDSNType(*flags.dbDSN))
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildSMSOptions constructs Twilio configuration options
func buildSMSOptions(flags Flags) []sms.Option {
	var smsOpts []sms.Option
	if *flags.accountSID != "" {
		smsOpts = append(smsOpts, sms.WithAccountSID(*flags.accountSID))
	}
	if *flags.authToken != "" {
		smsOpts = append(smsOpts, sms.WithAuthToken(*flags.authToken))
	}
	if *flags.fromNumber != "" {
		smsOpts = append(smsOpts, sms.WithFromNumber(*flags.fromNumber))
	}
	return smsOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// runConsole drives one conversation over stdin against a fresh in-memory
// store. Useful for exercising the flow without Twilio.
func runConsole(flags Flags) error {
	gaClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("console mode requires an OpenAI API key: %w", err)
	}

	st := store.NewInMemoryStore()
	defer st.Close()
	orchestrator := flow.NewOrchestrator(gaClient, st)

	user, err := flow.NewUserContext(st, consolePhone)
	if err != nil {
		return err
	}
	state, err := user.CurrentState()
	if err != nil {
		return err
	}

	fmt.Println("Pestline console. Type 'exit' to opt out and quit.")
	fmt.Printf("bot> %s\n", flow.ReplyForState(state))

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if input == "exit" || input == "quit" || strings.EqualFold(input, "stop") {
			if err := user.TriggerEvent(flow.TriggerUserStopped); err != nil {
				return err
			}
			fmt.Printf("bot> %s\n", flow.ReplyForState(flow.StateStop))
			break
		}

		reply, err := orchestrator.GenerateResponse(ctx, user, input)
		if err != nil {
			slog.Error("Console generation failed", "error", err)
			fmt.Println("bot> Sorry, we're having trouble right now. Please try again later.")
			continue
		}
		fmt.Printf("bot> %s\n", reply)

		state, err := user.CurrentState()
		if err != nil {
			return err
		}
		if state == flow.StateStop || state == flow.StateDone || state == flow.StateNotInterested {
			fmt.Printf("(conversation ended in state %s)\n", state)
			break
		}
	}
	return scanner.Err()
}
