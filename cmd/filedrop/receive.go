package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/opd-ai/filedrop"
	"github.com/opd-ai/filedrop/factory"
	"github.com/opd-ai/filedrop/file"
	"github.com/opd-ai/filedrop/history"
	"github.com/opd-ai/filedrop/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	recvHost      string
	recvPort      int
	recvOutput    string
	recvHistory   string
	recvNoHistory bool
	recvStrict    bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Listen for incoming files",
	Long: `Listen for filedrop senders and write every completed file to the output
directory. Completed transfers are recorded in the history database.`,
	Args: cobra.NoArgs,
	RunE: runReceive,
}

func init() {
	rootCmd.AddCommand(receiveCmd)
	receiveCmd.Flags().StringVar(&recvHost, "host", "", "Bind address (default from FILEDROP_BIND_HOST or 0.0.0.0)")
	receiveCmd.Flags().IntVarP(&recvPort, "port", "p", -1, "Listen port (default from FILEDROP_PORT or 12345)")
	receiveCmd.Flags().StringVarP(&recvOutput, "output", "o", "", "Output directory (default from FILEDROP_OUTPUT_DIR or ./received)")
	receiveCmd.Flags().StringVar(&recvHistory, "db", defaultHistoryPath(), "History database path")
	receiveCmd.Flags().BoolVar(&recvNoHistory, "no-history", false, "Do not record completed transfers")
	receiveCmd.Flags().BoolVar(&recvStrict, "strict", false, "Complete only on a declared total or last-chunk marker")
}

// peerTracker remembers which remote address delivered each session.
type peerTracker struct {
	mu       sync.Mutex
	clients  map[uint64]string
	sessions map[string]string
}

func newPeerTracker() *peerTracker {
	return &peerTracker{clients: make(map[uint64]string), sessions: make(map[string]string)}
}

func (p *peerTracker) connected(clientID uint64, remote net.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[clientID] = remote.String()
}

func (p *peerTracker) chunk(clientID uint64, msg *transport.ChunkMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[msg.SessionID]; !ok {
		p.sessions[msg.SessionID] = p.clients[clientID]
	}
}

func (p *peerTracker) closed(clientID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, clientID)
}

func (p *peerTracker) take(sessionID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	remote := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	return remote
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg := factory.NewConfigFactory().Config()
	opts := filedrop.NewReceiverOptions(cfg)
	if recvHost != "" {
		opts.Host = recvHost
	}
	if recvPort >= 0 {
		opts.Port = recvPort
	}
	if recvOutput != "" {
		opts.OutputDir = recvOutput
	}
	if recvStrict {
		opts.Policies = file.StrictPolicies()
	}
	c, err := chunkCodec()
	if err != nil {
		return err
	}
	opts.Codec = c

	var ledger *history.Ledger
	if !recvNoHistory {
		if recvHistory == "" {
			return errNoHistory
		}
		ledger, err = history.Open(recvHistory)
		if err != nil {
			return err
		}
		defer ledger.Close()
	}

	peers := newPeerTracker()
	opts.OnConnection = func(clientID uint64, remote net.Addr) {
		peers.connected(clientID, remote)
		logrus.WithFields(logrus.Fields{
			"function":  "runReceive",
			"client_id": clientID,
			"remote":    remote.String(),
		}).Info("Sender connected")
	}
	opts.OnChunkReceived = peers.chunk
	opts.OnClose = peers.closed
	opts.OnError = func(err error) {
		logrus.WithFields(logrus.Fields{
			"function": "runReceive",
			"error":    err.Error(),
		}).Warn("Receive error")
	}
	opts.OnTransferProgress = func(p file.Progress) {
		fields := logrus.Fields{
			"function":   "runReceive",
			"session_id": p.SessionID,
			"received":   p.Received,
		}
		if p.Total > 0 {
			fields["progress"] = fmt.Sprintf("%d/%d", p.Received, p.Total)
		}
		logrus.WithFields(fields).Debug("Transfer progress")
	}
	opts.OnFileComplete = func(c file.Completed) {
		if c.Err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "runReceive",
				"session_id": c.SessionID,
				"error":      c.Err.Error(),
			}).Error("Transfer failed")
			return
		}
		remote := peers.take(c.SessionID)
		fmt.Fprintf(cmd.OutOrStdout(), "received %s (%d bytes) from %s\n", c.Path, c.Size, remote)
		if ledger == nil {
			return
		}
		err := ledger.Record(history.Record{
			SessionID: c.SessionID,
			FileName:  c.FileName,
			Path:      c.Path,
			MimeType:  c.MimeType,
			Size:      c.Size,
			Chunks:    c.Chunks,
			Remote:    remote,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "runReceive",
				"session_id": c.SessionID,
				"error":      err.Error(),
			}).Warn("Could not record transfer")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rx, err := filedrop.StartReceiver(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s, writing to %s\n", rx.Addr(), opts.OutputDir)

	<-rx.Done()
	return rx.Stop()
}
