package config

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Port returns service port
func Port() int {
	return viper.GetInt("port")
}

// Template returns template file name
func Template() string {
	return viper.GetString("template")
}

// EnvFile returns env file name
func EnvFile() string {
	return viper.GetString("env")
}

// LambdaBase returns lambda program base dir
func LambdaBase() string {
	return viper.GetString("lambdaBase")
}

// InProcess reports whether builtin handlers run inside the host process
func InProcess() bool {
	return viper.GetBool("inProcess")
}

// Region returns AWS Region
func Region() string {
	return viper.GetString("region")
}

// Payload returns payload file name
func Payload() string {
	return viper.GetString("payload")
}

// Endpoint returns the Lambda endpoint used by the call command
func Endpoint() string {
	return viper.GetString("endpoint")
}

// Debug reports whether debug logging is on
func Debug() bool {
	return viper.GetBool("debug")
}

// ParseArgs binds the persistent flags of rootCmd to the global settings.
func ParseArgs(rootCmd *cobra.Command) {
	flags := rootCmd.PersistentFlags()

	flags.IntP("port", "", 3001, "Service port")
	viper.BindPFlag("port", flags.Lookup("port"))

	flags.StringP("template", "t", "template.yaml", "SAM template file")
	viper.BindPFlag("template", flags.Lookup("template"))

	flags.StringP("base", "b", ".", "Lambda base dir")
	viper.BindPFlag("lambdaBase", flags.Lookup("base"))

	flags.StringP("env", "e", "", "Env file, json per function or dotenv for all functions")
	viper.BindPFlag("env", flags.Lookup("env"))

	flags.Bool("in-process", true, "Run builtin handlers inside the host process")
	viper.BindPFlag("inProcess", flags.Lookup("in-process"))

	flags.String("region", "us-east-1", "AWS region")
	viper.BindPFlag("region", flags.Lookup("region"))

	flags.Bool("debug", false, "Debug logging")
	viper.BindPFlag("debug", flags.Lookup("debug"))

	if os.Getenv("ENV_JSON") == "true" {
		viper.SetDefault("env", "env.json")
		os.Unsetenv("ENV_JSON")
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		viper.SetDefault("region", region)
	}
}

// InitLogging sets the formatter and the level of the standard logger.
func InitLogging(formatter log.Formatter) {
	log.SetFormatter(formatter)
	if Debug() || strings.ToLower(os.Getenv("DEBUG")) == "true" {
		log.SetLevel(log.DebugLevel)
	}
}
