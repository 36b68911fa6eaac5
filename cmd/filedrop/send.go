package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/filedrop"
	"github.com/opd-ai/filedrop/factory"
	"github.com/opd-ai/filedrop/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sendHost       string
	sendPort       int
	sendChunkSize  int
	sendName       string
	sendNoWait     bool
	sendAckTimeout time.Duration
	sendDSCP       int
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a receiver",
	Long: `Send a file to a filedrop receiver. The file is split into chunks that are
sent concurrently; by default the command waits until every chunk is acknowledged.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendHost, "host", "127.0.0.1", "Receiver host")
	sendCmd.Flags().IntVarP(&sendPort, "port", "p", 0, "Receiver port (default from FILEDROP_PORT or 12345)")
	sendCmd.Flags().IntVar(&sendChunkSize, "chunk-size", 0, "Chunk size in bytes (default from FILEDROP_CHUNK_SIZE or 65536)")
	sendCmd.Flags().StringVar(&sendName, "name", "", "File name announced to the receiver")
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "Do not wait for acknowledgments")
	sendCmd.Flags().DurationVar(&sendAckTimeout, "ack-timeout", 30*time.Second, "How long to wait for acknowledgments")
	sendCmd.Flags().IntVar(&sendDSCP, "tos", 0, "IPv4 TOS byte for the connection")
}

func runSend(cmd *cobra.Command, args []string) error {
	path := args[0]
	cfg := factory.NewConfigFactory().Config()

	opts := filedrop.NewSendOptions(cfg)
	c, err := chunkCodec()
	if err != nil {
		return err
	}
	if c != nil {
		opts.Sender.Codec = c
	}
	if sendChunkSize > 0 {
		opts.Sender.ChunkSize = sendChunkSize
	}
	opts.Sender.DSCP = sendDSCP
	opts.Sender.OnEvent = logChunkEvent
	opts.File.FileName = sendName
	opts.File.WaitForAcks = !sendNoWait
	opts.File.AckTimeout = sendAckTimeout

	port := cfg.Port
	if sendPort > 0 {
		port = sendPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := filedrop.SendFile(ctx, sendHost, port, path, opts)
	if err != nil {
		if result != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "runSend",
				"session_id": result.SessionID,
				"sent":       result.Sent,
				"acked":      result.Acked,
				"failed":     len(result.Failed),
			}).Error("Transfer incomplete")
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent %s: %d chunks, %d acknowledged in %s\n",
		result.FileName, result.TotalChunks, result.Acked, time.Since(start).Round(time.Millisecond))
	return nil
}

func logChunkEvent(ev transport.ChunkEvent) {
	entry := logrus.WithFields(logrus.Fields{
		"function":   "logChunkEvent",
		"session_id": ev.SessionID,
		"index":      ev.Index,
		"status":     ev.Status.String(),
		"progress":   fmt.Sprintf("%.0f%%", ev.Progress*100),
	})
	switch ev.Status {
	case transport.ChunkFailed:
		entry.WithError(ev.Err).Error("Chunk failed")
	case transport.ChunkRetrying:
		entry.WithField("attempt", ev.Attempt).Warn("Retrying chunk")
	default:
		entry.Debug("Chunk event")
	}
}
