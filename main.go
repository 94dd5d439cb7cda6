package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiaot623/notechat/internal/config"
)

func main() {
	// A missing .env is fine; the environment and flags still apply.
	_ = godotenv.Load()

	if err := newRootCmd(config.NewViper()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "notechat",
		Short:         "Chat session runtime for the note-taking assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.String(config.KeyDatabaseDriver, v.GetString(config.KeyDatabaseDriver), "database/sql driver: sqlite3 or sqlite")
	flags.String(config.KeyDatabaseURL, v.GetString(config.KeyDatabaseURL), "sqlite data source name")
	flags.String(config.KeyStatePath, v.GetString(config.KeyStatePath), "path of the last-active marker file")
	flags.String(config.KeyLogLevel, v.GetString(config.KeyLogLevel), "log level: debug, info, warn or error")
	flags.Bool(config.KeyLogPretty, v.GetBool(config.KeyLogPretty), "human readable console logs")
	for _, key := range []string{
		config.KeyDatabaseDriver,
		config.KeyDatabaseURL,
		config.KeyStatePath,
		config.KeyLogLevel,
		config.KeyLogPretty,
	} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	load := func() (*config.Config, error) {
		return config.Load(v, configFile)
	}

	root.AddCommand(
		newServeCmd(v, load),
		newRecoverCmd(load),
		newChatsCmd(load),
		newChatCmd(),
	)
	return root
}
