package cli

import (
	"fmt"
	"os"
	"strings"

	"digichat/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

// envKeys 允许在没有配置文件时通过 DIGICHAT_* 覆盖的配置项
var envKeys = []string{
	"app.debug",
	"server.host",
	"server.port",
	"database.driver",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.name",
	"database.path",
	"redis.enabled",
	"redis.host",
	"redis.port",
	"redis.password",
	"ai.gemini.api_key",
	"ai.gemini.model",
	"security.chat_api_key",
	"security.agent_api_key",
	"log.level",
	"log.format",
	"monitoring.tracing.enabled",
	"monitoring.tracing.endpoint",
}

var rootCmd = &cobra.Command{
	Use:   "digichat",
	Short: "DigiMarker support chat backend",
	Long: `digichat serves the website chat widget: FAQ-grounded answers from Gemini,
escalation to human agents and the agent console API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
}

func initConfig() {
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Println("Error reading env file:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DIGICHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Println("Error reading config file:", err)
		}
	}
}

// loadConfig 读取并校验配置
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
