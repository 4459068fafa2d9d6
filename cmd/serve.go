package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/logger"
	"github.com/spigell/kpi-strategist/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the KPI strategy HTTP API",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (default 8080 or $PORT)")
	serveCmd.Flags().Bool("require-auth", false, "reject anonymous strategy requests")

	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.require-auth", serveCmd.Flags().Lookup("require-auth"))
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the kpi-strategist api", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if viper.GetBool("debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	components, err := buildComponents(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}
	defer components.close(logger)

	deps := server.Deps{
		Service: components.service,
		Logger:  logger.Named("http"),
	}
	if components.verifier != nil {
		deps.Verifier = components.verifier
	}
	if components.archive != nil {
		deps.Archive = components.archive
	}

	srv, err := server.New(config.Server.Config, deps)
	if err != nil {
		logger.Fatal("creating the http server", zap.Error(err))
	}

	addr := net.JoinHostPort(config.Server.Host, strconv.Itoa(config.Server.Port))
	if err := srv.Run(ctx, addr); err != nil {
		logger.Error("http server stopped", zap.Error(err))
		return
	}

	logger.Info("bye")
}

// redacted returns a copy of the config that is safe to log.
func redacted(config *Config) Config {
	const mask = "***"

	out := *config
	if out.AI.Gemini != nil {
		gemini := *out.AI.Gemini
		if gemini.APIKey != "" {
			gemini.APIKey = mask
		}
		out.AI.Gemini = &gemini
	}
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = mask
	}
	if out.Database.URL != "" {
		out.Database.URL = mask
	}
	if out.Archive.SecretAccessKey != "" {
		out.Archive.SecretAccessKey = mask
	}
	if out.Events.URL != "" {
		out.Events.URL = mask
	}
	return out
}
