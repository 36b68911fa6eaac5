package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/filedrop/codec"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// keySalt is shared by every peer so equal passphrases derive equal keys.
var keySalt = []byte("filedrop/chunk-key/v1")

var (
	logLevel   string
	logJSON    bool
	passphrase string
)

var rootCmd = &cobra.Command{
	Use:           "filedrop",
	Short:         "Send and receive files over TCP",
	Long:          `filedrop streams a file to a receiver as line-delimited JSON chunks and reassembles it on the other side.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging(logLevel, logJSON)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "Shared passphrase; enables ChaCha20-Poly1305 chunk encryption")
}

func configureLogging(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logrus.SetLevel(lvl)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// chunkCodec returns the codec selected by --passphrase, or nil for the
// default placeholder codec.
func chunkCodec() (codec.Codec, error) {
	if passphrase == "" {
		return nil, nil
	}
	key, err := codec.DeriveKey(passphrase, keySalt)
	if err != nil {
		return nil, err
	}
	defer codec.WipeKey(key)
	return codec.NewSealed(key)
}

// defaultHistoryPath returns ~/.filedrop/history.db.
func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".filedrop", "history.db")
}

var errNoHistory = errors.New("no history database path; set --db")
