package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notice/internal/audio"
	"github.com/MarcoPoloResearchLab/notice/internal/auth"
	"github.com/MarcoPoloResearchLab/notice/internal/bookshelves"
	"github.com/MarcoPoloResearchLab/notice/internal/config"
	"github.com/MarcoPoloResearchLab/notice/internal/database"
	"github.com/MarcoPoloResearchLab/notice/internal/generation"
	"github.com/MarcoPoloResearchLab/notice/internal/logging"
	"github.com/MarcoPoloResearchLab/notice/internal/notes"
	"github.com/MarcoPoloResearchLab/notice/internal/notesession"
	"github.com/MarcoPoloResearchLab/notice/internal/server"
	"github.com/MarcoPoloResearchLab/notice/internal/transcription"
	"github.com/MarcoPoloResearchLab/notice/internal/transcripts"
	"github.com/MarcoPoloResearchLab/notice/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "notice-api",
		Short: "Not!ce lecture notes backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cors-allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated list of allowed origins")
	cmd.PersistentFlags().String("generation-provider", defaults.GetString("generation.provider"), "Note generation provider (anthropic, lorem)")
	cmd.PersistentFlags().String("audio-directory", defaults.GetString("audio.directory"), "Directory recordings are stored in")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
	bindFlag(cmd, "generation.provider", "generation-provider")
	bindFlag(cmd, "audio.directory", "audio-directory")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newIssueSessionCommand mints a session token for a user, for local development and smoke tests.
func newIssueSessionCommand() *cobra.Command {
	var (
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "issue-session <user-id>",
		Short: "Print a signed session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionIdentity{
				UserID:      args[0],
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address recorded in the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name recorded in the token")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	handler, err := buildHandler(appConfig, db, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildHandler(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (http.Handler, error) {
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	sessions, err := users.NewSessionResolver(validator, userService)
	if err != nil {
		return nil, err
	}

	ids := notes.NewUUIDProvider()
	bookshelfService, err := bookshelves.NewService(bookshelves.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	transcriptService, err := transcripts.NewService(transcripts.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	recordings, err := audio.NewStore(audio.StoreConfig{
		Directory:      appConfig.AudioDirectory,
		Converter:      audio.FFmpegConverter{Path: appConfig.AudioFFmpegPath},
		IDProvider:     ids,
		ConvertTimeout: appConfig.AudioConvertTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	provider, err := generation.NewProvider(appConfig.GenerationProvider, appConfig.GenerationAPIKey)
	if err != nil {
		return nil, err
	}
	prompts, err := generation.LoadPrompts()
	if err != nil {
		return nil, err
	}
	generator, err := generation.NewLLMGenerator(generation.LLMGeneratorConfig{
		Provider: provider,
		Model:    appConfig.GenerationModel,
		Limits: generation.TokenLimits{
			Clean:   appConfig.GenerationCleanMaxTokens,
			Outline: appConfig.GenerationOutlineMaxTokens,
		},
		Prompts: prompts,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	transcriber, err := transcription.NewDeepgramTranscriber(transcription.DeepgramConfig{
		URL:      appConfig.DeepgramURL,
		APIKey:   appConfig.DeepgramAPIKey,
		Model:    appConfig.DeepgramModel,
		Language: appConfig.DeepgramLanguage,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	noteSessions, err := notesession.NewHandler(notesession.HandlerConfig{
		Sessions:    sessions,
		Notes:       notesService,
		Transcripts: transcriptService,
		Generator:   generator,
		IDs:         ids,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	transcriptionHandler, err := transcription.NewHandler(transcription.HandlerConfig{
		Sessions:    sessions,
		Notes:       notesService,
		Segments:    transcriptService,
		Transcriber: transcriber,
		Recordings:  recordings,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessions,
		SessionCookieName: appConfig.SessionCookieName,
		Bookshelves:       bookshelfService,
		Notes:             notesService,
		Transcripts:       transcriptService,
		Recordings:        recordings,
		NoteSessions:      noteSessions,
		Transcription:     transcriptionHandler,
		AllowedOrigins:    appConfig.CORSAllowedOrigins,
		Logger:            logger,
	})
}
