package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/madankalyan2211/aarambh-lms/internal/auth"
	"github.com/madankalyan2211/aarambh-lms/internal/config"
	"github.com/madankalyan2211/aarambh-lms/internal/courses"
	"github.com/madankalyan2211/aarambh-lms/internal/database"
	"github.com/madankalyan2211/aarambh-lms/internal/logging"
	"github.com/madankalyan2211/aarambh-lms/internal/mail"
	"github.com/madankalyan2211/aarambh-lms/internal/notify"
	"github.com/madankalyan2211/aarambh-lms/internal/otp"
	"github.com/madankalyan2211/aarambh-lms/internal/presence"
	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
	"github.com/madankalyan2211/aarambh-lms/internal/server"
	"github.com/madankalyan2211/aarambh-lms/internal/users"
	"github.com/madankalyan2211/aarambh-lms/internal/watch"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aarambh-api",
		Short: "Aarambh LMS backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("otp-length", defaults.GetInt("otp.length"), "Verification code length in digits")
	cmd.PersistentFlags().Int("otp-ttl-minutes", defaults.GetInt("otp.ttl_minutes"), "Verification code TTL in minutes")
	cmd.PersistentFlags().Int("otp-max-attempts", defaults.GetInt("otp.max_attempts"), "Verification attempts per code")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "otp.length", "otp-length")
	bindFlag(cmd, "otp.ttl_minutes", "otp-ttl-minutes")
	bindFlag(cmd, "otp.max_attempts", "otp-max-attempts")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := watch.RegisterRecorder(db, time.Now); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "aarambh-auth",
		Audience:      "aarambh-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	codeStore := otp.NewStore(otp.StoreConfig{
		MaxAttempts:   appConfig.OTPMaxAttempts,
		SweepInterval: appConfig.OTPSweepEvery,
		Logger:        logger,
	})
	codeStore.StartSweep(signalCtx)

	hub := realtime.NewHub()
	registry := presence.NewRegistry()
	identifiers := notify.NewUUIDProvider()

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: identifiers,
	})
	if err != nil {
		return err
	}

	notifyService, err := notify.NewService(notify.ServiceConfig{
		Database:    db,
		Presence:    registry,
		Broadcaster: hub,
		IDProvider:  identifiers,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	courseService, err := courses.NewService(courses.ServiceConfig{
		Database:   db,
		IDProvider: identifiers,
		Notifier:   notifyService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	watcher, err := watch.NewWatcher(watch.WatcherConfig{
		Database:     db,
		Handler:      notifyService.HandleChange,
		PollInterval: appConfig.WatchPollEvery,
		MaxBackoff:   appConfig.WatchMaxBackoff,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	watcher.Start(signalCtx)
	defer watcher.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		Codes:         codeStore,
		Users:         userService,
		Notifications: notifyService,
		Courses:       courseService,
		Hub:           hub,
		Presence:      registry,
		Mailer:        mail.NewConsoleSender(logger),
		CodePolicy: server.CodePolicy{
			Length: appConfig.OTPCodeLength,
			TTL:    appConfig.OTPTTL,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
