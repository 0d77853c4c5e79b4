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

	"github.com/scribbler-labs/scribbler/backend/internal/auth"
	"github.com/scribbler-labs/scribbler/backend/internal/changelog"
	"github.com/scribbler-labs/scribbler/backend/internal/config"
	"github.com/scribbler-labs/scribbler/backend/internal/database"
	"github.com/scribbler-labs/scribbler/backend/internal/drive"
	"github.com/scribbler-labs/scribbler/backend/internal/logging"
	"github.com/scribbler-labs/scribbler/backend/internal/scribble"
	"github.com/scribbler-labs/scribbler/backend/internal/server"
	"github.com/scribbler-labs/scribbler/backend/internal/session"
	"github.com/scribbler-labs/scribbler/backend/internal/writeback"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scribbler-api",
		Short: "Scribbler cache and write-back service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("drive-base-url", defaults.GetString("drive.base_url"), "Drive API base URL")
	cmd.PersistentFlags().String("drive-upload-url", defaults.GetString("drive.upload_url"), "Drive upload API base URL")
	cmd.PersistentFlags().String("app-folder", defaults.GetString("drive.app_folder"), "Remote application folder name")
	cmd.PersistentFlags().Bool("writer-disabled", defaults.GetBool("writer.disabled"), "Disable the write-back worker")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "drive.base_url", "drive-base-url")
	bindFlag(cmd, "drive.upload_url", "drive-upload-url")
	bindFlag(cmd, "drive.app_folder", "app-folder")
	bindFlag(cmd, "writer.disabled", "writer-disabled")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "scribbler-auth",
		Audience:      "scribbler-api",
	})

	changeLog, err := changelog.New(changelog.Config{
		Database:     db,
		Logger:       logger,
		ClaimTimeout: appConfig.WriterClaim,
	})
	if err != nil {
		return err
	}

	cache, err := scribble.NewCache(scribble.CacheConfig{
		Database:    db,
		ChangeLog:   changeLog,
		SIDProvider: scribble.NewUUIDProvider(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sessions, err := session.NewProvider(session.ProviderConfig{Database: db})
	if err != nil {
		return err
	}

	store := drive.NewClient(drive.ClientConfig{
		BaseURL:   appConfig.DriveBaseURL,
		UploadURL: appConfig.UploadBaseURL,
		Logger:    logger,
	})

	importer, err := writeback.NewImporter(writeback.ImporterConfig{
		Cache:         cache,
		Store:         store,
		Sessions:      sessions,
		SIDProvider:   scribble.NewUUIDProvider(),
		Logger:        logger,
		AppFolderName: appConfig.AppFolderName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Cache:          cache,
		Importer:       importer,
		Logger:         logger,
	})
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

	workerDone := make(chan struct{})
	if appConfig.WriterDisabled {
		close(workerDone)
	} else {
		worker, err := writeback.NewWorker(writeback.WorkerConfig{
			Cache:         cache,
			ChangeLog:     changeLog,
			Store:         store,
			Sessions:      sessions,
			Logger:        logger,
			BatchSize:     appConfig.WriterBatch,
			BlockTimeout:  appConfig.WriterBlock,
			AppFolderName: appConfig.AppFolderName,
		})
		if err != nil {
			return err
		}
		go func() {
			defer close(workerDone)
			if err := worker.Run(signalCtx); err != nil {
				logger.Error("write-back worker exited", zap.Error(err))
			}
		}()
	}

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		<-workerDone
		return shutdownErr
	case err := <-errCh:
		stop()
		<-workerDone
		return err
	}
}
