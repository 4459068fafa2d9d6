package cmd

import (
	"errors"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/kpi-strategist/internal/events"
	"github.com/spigell/kpi-strategist/internal/server"
	"github.com/spigell/kpi-strategist/internal/storage/archive"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

const (
	app = "kpi-strategist"
)

type Config struct {
	Server   ServerConfig                 `mapstructure:"server"`
	AI       AIConfig                     `mapstructure:"ai"`
	Catalog  map[string]strategy.Strategy `mapstructure:"catalog"`
	Auth     AuthConfig                   `mapstructure:"auth"`
	Database DatabaseConfig               `mapstructure:"database"`
	Archive  ArchiveConfig                `mapstructure:"archive"`
	Events   EventsConfig                 `mapstructure:"events"`
}

type ServerConfig struct {
	server.Config `mapstructure:",squash"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AIConfig selects the model. With Fallback set, model failures are answered
// from the catalog.
type AIConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Provider string        `mapstructure:"provider"`
	Fallback bool          `mapstructure:"fallback"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       string   `mapstructure:"api-key"`
	APIKeyFile   string   `mapstructure:"api-key-file"`
	Model        string   `mapstructure:"model"`
	MaxRetries   int      `mapstructure:"max-retries"`
	MaxLogLength int      `mapstructure:"max-log-length"`
	Temperature  *float32 `mapstructure:"temperature"`
}

type AuthConfig struct {
	SupabaseProjectID string        `mapstructure:"supabase-project-id"`
	JWKSURL           string        `mapstructure:"jwks-url"`
	JWTSecret         string        `mapstructure:"jwt-secret"`
	JWTSecretFile     string        `mapstructure:"jwt-secret-file"`
	Issuer            string        `mapstructure:"issuer"`
	Audience          string        `mapstructure:"audience"`
	KeysTTL           time.Duration `mapstructure:"keys-ttl"`
	Leeway            time.Duration `mapstructure:"leeway"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	URLFile         string        `mapstructure:"url-file"`
	AutoMigrate     bool          `mapstructure:"auto-migrate"`
	MaxOpenConns    int           `mapstructure:"max-open-conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn-max-lifetime"`
}

type ArchiveConfig struct {
	archive.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

type EventsConfig struct {
	events.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "kpi-strategist suggests KPIs, tools and advice for a business, with Gemini or a built-in catalog",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	envBindings := map[string][]string{
		"ai.gemini.api-key-file":    {"GEMINI_API_KEY_FILE"},
		"database.url":              {"DATABASE_URL"},
		"auth.supabase-project-id":  {"SUPABASE_PROJECT_ID"},
		"auth.jwt-secret":           {"SUPABASE_JWT_SECRET"},
		"events.url":                {"RABBITMQ_URL"},
		"server.port":               {"PORT"},
		"archive.access-key-id":     {"ARCHIVE_ACCESS_KEY_ID"},
		"archive.secret-access-key": {"ARCHIVE_SECRET_ACCESS_KEY"},
	}
	for key, envs := range envBindings {
		if err := viper.BindEnv(append([]string{key}, envs...)...); err != nil {
			log.Fatalf("binding %v environment variables: %v", envs, err)
		}
	}

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("ai.enabled", true)
	viper.SetDefault("ai.provider", "gemini")
	viper.SetDefault("ai.fallback", true)
	viper.SetDefault("database.auto-migrate", true)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is kpi-strategist.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Variables from .env never override the real environment.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
	}

	// Without an explicit --config the file is optional: everything has a
	// default or an environment variable.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	if config.AI.Gemini == nil {
		config.AI.Gemini = &GeminiConfig{}
	}

	return config, nil
}
