package main

import (
	"fmt"
	"strings"

	"github.com/gostonefire/hashdb"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// initConfig - Loads optional env files and makes every flag settable as HASHDB_<FLAG>
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hashdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags - Binds the flags of cmd, inherited ones included, to viper
func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.LocalFlags())
}

// newLogger - Builds a console logger on stderr at the configured level
func newLogger() (logger *zap.Logger, err error) {
	level, err := zap.ParseAtomicLevel(viper.GetString("log-level"))
	if err != nil {
		err = fmt.Errorf("invalid log level %q: %w", viper.GetString("log-level"), err)
		return
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableStacktrace = true

	return cfg.Build()
}

// openOptions - Returns the handle options given by flags and environment
func openOptions(logger *zap.Logger) hashdb.Options {
	return hashdb.Options{
		Create:    viper.GetBool("create"),
		ReadOnly:  viper.GetBool("read-only"),
		NoLock:    viper.GetBool("no-lock"),
		NoMmap:    viper.GetBool("no-mmap"),
		BigEndian: viper.GetBool("big-endian"),
		Logger:    logger,
	}
}

// withDB - Opens the database at path for the duration of fn
func withDB(path string, fn func(db *hashdb.HashDB) error) (err error) {
	logger, err := newLogger()
	if err != nil {
		return
	}
	defer func() { _ = logger.Sync() }()

	db, err := hashdb.Open(path, openOptions(logger))
	if err != nil {
		return
	}
	defer func() {
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
	}()

	return fn(db)
}

// parseStoreFlag - Maps a store mode name onto the flag
func parseStoreFlag(mode string) (flag hashdb.StoreFlag, err error) {
	for _, f := range []hashdb.StoreFlag{hashdb.Replace, hashdb.Insert, hashdb.Modify} {
		if f.String() == mode {
			return f, nil
		}
	}
	err = fmt.Errorf("invalid store mode %q (replace, insert, modify)", mode)
	return
}
