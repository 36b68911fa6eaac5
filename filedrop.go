// Package filedrop transfers files between peers over TCP.
//
// A file is cut into chunks, each chunk is encoded by a codec and written as
// one line of JSON. The receiver decodes the chunks, reassembles them by
// session and writes the finished file to an output directory.
//
// Receiving:
//
//	opts := filedrop.NewReceiverOptions(factory.NewConfigFactory().Config())
//	opts.OnFileComplete = func(c file.Completed) {
//		if c.Err == nil {
//			fmt.Println("saved", c.Path)
//		}
//	}
//
//	rx, err := filedrop.StartReceiver(ctx, opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rx.Stop()
//
// Sending:
//
//	opts := filedrop.NewSendOptions(factory.NewConfigFactory().Config())
//	result, err := filedrop.SendFile(ctx, "192.168.1.20", 12345, "photo.jpg", opts)
//
// Peer discovery is not part of this package; callers supply a resolved
// host and port.
package filedrop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/filedrop/codec"
	"github.com/opd-ai/filedrop/factory"
	"github.com/opd-ai/filedrop/file"
	"github.com/opd-ai/filedrop/interfaces"
	"github.com/opd-ai/filedrop/transport"
	"github.com/sirupsen/logrus"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Host      string
	Port      int
	OutputDir string

	// Store defaults to the OS filesystem.
	Store interfaces.FileStore
	// Codec defaults to codec.NewPlaceholder.
	Codec codec.Codec
	// Policies replaces the default completion chain when non-empty.
	Policies []file.CompletionPolicy
	// SessionIdleTimeout expires silent sessions; zero disables expiry.
	SessionIdleTimeout time.Duration

	// Transport carries the server timings. Its Host, Port and Handlers
	// are overwritten from this struct.
	Transport transport.ServerOptions

	OnConnection       func(clientID uint64, remote net.Addr)
	OnChunkReceived    func(clientID uint64, msg *transport.ChunkMessage)
	OnFileComplete     func(file.Completed)
	OnTransferProgress func(file.Progress)
	OnError            func(err error)
	OnClose            func(clientID uint64)
}

// NewReceiverOptions returns receiver options derived from cfg.
func NewReceiverOptions(cfg interfaces.TransferConfig) *ReceiverOptions {
	return &ReceiverOptions{
		Host:               cfg.BindHost,
		Port:               cfg.Port,
		OutputDir:          cfg.OutputDir,
		Store:              factory.CreateFileStore(cfg.UseSimulation),
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		Transport:          transport.DefaultServerOptions(),
	}
}

// Receiver is a running server plus the reassembler behind it.
type Receiver struct {
	server      *transport.Server
	reassembler *file.Reassembler

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// StartReceiver starts listening. The receiver stops when ctx is done or
// Stop is called.
func StartReceiver(ctx context.Context, opts *ReceiverOptions) (*Receiver, error) {
	if opts == nil {
		return nil, errors.New("nil receiver options")
	}
	store := opts.Store
	if store == nil {
		store = factory.CreateFileStore(false)
	}

	idle := opts.SessionIdleTimeout
	if idle <= 0 {
		idle = -1
	}
	r := file.NewReassembler(store, opts.Codec, file.Options{
		OutputDir:   opts.OutputDir,
		Policies:    opts.Policies,
		IdleTimeout: idle,
		OnComplete:  opts.OnFileComplete,
		OnProgress:  opts.OnTransferProgress,
		OnError: func(sessionID string, err error) {
			if opts.OnError != nil {
				opts.OnError(err)
			}
		},
	})

	serverOpts := opts.Transport
	serverOpts.Host = opts.Host
	serverOpts.Port = opts.Port
	serverOpts.Handlers = transport.ServerHandlers{
		OnConnection:    opts.OnConnection,
		OnChunkReceived: opts.OnChunkReceived,
		OnError:         opts.OnError,
		OnClose:         opts.OnClose,
	}
	server := transport.NewServer(r, serverOpts)
	if err := server.Start(); err != nil {
		r.Close()
		return nil, err
	}

	rx := &Receiver{server: server, reassembler: r, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			rx.Stop()
		case <-rx.done:
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function":   "StartReceiver",
		"address":    server.Addr().String(),
		"output_dir": opts.OutputDir,
	}).Info("Receiver started")
	return rx, nil
}

// Addr returns the listening address.
func (rx *Receiver) Addr() net.Addr {
	return rx.server.Addr()
}

// ClientCount returns the number of connected senders.
func (rx *Receiver) ClientCount() int {
	return rx.server.ClientCount()
}

// Sessions returns the open transfer sessions.
func (rx *Receiver) Sessions() []file.SessionStatus {
	return rx.reassembler.Sessions()
}

// Done is closed once the receiver has stopped.
func (rx *Receiver) Done() <-chan struct{} {
	return rx.done
}

// Stop forces pending completion checks, closes every connection and then
// the reassembler. It is safe to call more than once.
func (rx *Receiver) Stop() error {
	rx.stopOnce.Do(func() {
		err := rx.server.Stop()
		if cerr := rx.reassembler.Close(); err == nil {
			err = cerr
		}
		rx.stopErr = err
		close(rx.done)
	})
	return rx.stopErr
}

// SendOptions configures a SendFile call.
type SendOptions struct {
	// Store defaults to the OS filesystem.
	Store  interfaces.FileStore
	Sender transport.SenderOptions
	File   transport.SendFileOptions
}

// NewSendOptions returns send options derived from cfg. The returned
// options wait for every acknowledgment.
func NewSendOptions(cfg interfaces.TransferConfig) *SendOptions {
	so := transport.DefaultSenderOptions()
	so.ChunkSize = cfg.ChunkSize
	so.MaxInFlight = cfg.MaxInFlight
	so.ConnectTimeout = cfg.ConnectTimeout
	so.ReconnectAttempts = cfg.ReconnectAttempts
	so.ChunkRetryAttempts = cfg.ChunkRetryAttempts
	so.HealthCheckInterval = cfg.HealthCheckInterval
	so.DrainTimeout = cfg.DrainTimeout

	return &SendOptions{
		Store:  factory.CreateFileStore(cfg.UseSimulation),
		Sender: so,
		File: transport.SendFileOptions{
			WaitForAcks: true,
			AckTimeout:  30 * time.Second,
		},
	}
}

// SendFile connects to host:port, sends the file at path as one session
// and closes the connection.
func SendFile(ctx context.Context, host string, port int, path string, opts *SendOptions) (*transport.SendResult, error) {
	if opts == nil {
		opts = &SendOptions{Sender: transport.DefaultSenderOptions()}
	}
	store := opts.Store
	if store == nil {
		store = factory.CreateFileStore(false)
	}

	sender := transport.NewSender(opts.Sender)
	if err := sender.Connect(ctx, host, port); err != nil {
		return nil, err
	}

	result, err := sender.SendFile(ctx, store, path, opts.File)
	if cerr := sender.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close sender: %w", cerr)
	}
	return result, err
}
