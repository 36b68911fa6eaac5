package filedrop

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/filedrop/codec"
	"github.com/opd-ai/filedrop/factory"
	"github.com/opd-ai/filedrop/file"
	simstore "github.com/opd-ai/filedrop/testing"
	"github.com/opd-ai/filedrop/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiverEvents struct {
	mu          sync.Mutex
	completions []file.Completed
	progress    []file.Progress
	chunks      int
	connections int
	closes      int
	done        chan file.Completed
}

func startLoopbackReceiver(t *testing.T, c codec.Codec, tweak ...func(*ReceiverOptions)) (*Receiver, *simstore.SimulatedFileStore, *receiverEvents) {
	t.Helper()
	store := simstore.NewSimulatedFileStore()
	ev := &receiverEvents{done: make(chan file.Completed, 4)}

	timings := transport.DefaultServerOptions()
	timings.LastChunkCheckDelay = 50 * time.Millisecond
	timings.TeardownWait = 200 * time.Millisecond
	timings.CloseGrace = 200 * time.Millisecond
	timings.StopDelay = 0

	opts := &ReceiverOptions{
		Host:      "127.0.0.1",
		Port:      0,
		OutputDir: "/recv",
		Store:     store,
		Codec:     c,
		Transport: timings,
		OnConnection: func(uint64, net.Addr) {
			ev.mu.Lock()
			ev.connections++
			ev.mu.Unlock()
		},
		OnChunkReceived: func(uint64, *transport.ChunkMessage) {
			ev.mu.Lock()
			ev.chunks++
			ev.mu.Unlock()
		},
		OnFileComplete: func(c file.Completed) {
			ev.mu.Lock()
			ev.completions = append(ev.completions, c)
			ev.mu.Unlock()
			ev.done <- c
		},
		OnTransferProgress: func(p file.Progress) {
			ev.mu.Lock()
			ev.progress = append(ev.progress, p)
			ev.mu.Unlock()
		},
		OnClose: func(uint64) {
			ev.mu.Lock()
			ev.closes++
			ev.mu.Unlock()
		},
	}
	for _, fn := range tweak {
		fn(opts)
	}

	rx, err := StartReceiver(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { rx.Stop() })
	return rx, store, ev
}

func loopbackSendOptions(src *simstore.SimulatedFileStore, c codec.Codec, chunkSize int) *SendOptions {
	so := transport.DefaultSenderOptions()
	so.ConnectTimeout = time.Second
	so.ReconnectAttempts = 1
	so.BackoffBase = 10 * time.Millisecond
	so.HealthCheckInterval = time.Hour
	so.DrainTimeout = time.Second
	so.ChunkSize = chunkSize
	so.Codec = c
	return &SendOptions{
		Store:  src,
		Sender: so,
		File:   transport.SendFileOptions{WaitForAcks: true, AckTimeout: 5 * time.Second},
	}
}

func receiverPort(t *testing.T, rx *Receiver) int {
	t.Helper()
	addr, ok := rx.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func TestSendFileTenBytesEndToEnd(t *testing.T) {
	rx, recvStore, ev := startLoopbackReceiver(t, nil)

	src := simstore.NewSimulatedFileStore()
	data := []byte("0123456789")
	src.AddFile("/send/ten.txt", data)

	result, err := SendFile(context.Background(), "127.0.0.1", receiverPort(t, rx),
		"/send/ten.txt", loopbackSendOptions(src, nil, 4))
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalChunks)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 3, result.Acked)
	assert.Empty(t, result.Failed)

	var c file.Completed
	select {
	case c = <-ev.done:
	case <-time.After(5 * time.Second):
		t.Fatal("file never completed")
	}
	require.NoError(t, c.Err)
	assert.Equal(t, "/recv/ten.txt", c.Path)
	got, ok := recvStore.ReadFile(c.Path)
	require.True(t, ok)
	assert.Equal(t, data, got)

	require.NoError(t, rx.Stop())
	<-rx.Done()

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Len(t, ev.completions, 1, "completion reported exactly once")
	assert.Equal(t, 1, ev.connections)
	assert.Equal(t, 1, ev.closes)
	assert.Equal(t, 4, ev.chunks, "three data chunks plus the completion message")
	require.Len(t, ev.progress, 3)
	assert.Equal(t, file.Progress{SessionID: result.SessionID, Received: 3, Total: 3}, ev.progress[2])
}

func TestSendFileSealedEndToEnd(t *testing.T) {
	key, err := codec.DeriveKey("correct horse", []byte("filedrop-test"))
	require.NoError(t, err)
	rxCodec, err := codec.NewSealed(key)
	require.NoError(t, err)
	txCodec, err := codec.NewSealed(key)
	require.NoError(t, err)

	rx, recvStore, ev := startLoopbackReceiver(t, rxCodec)

	src := simstore.NewSimulatedFileStore()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	src.AddFile("/send/blob.bin", data)

	result, err := SendFile(context.Background(), "127.0.0.1", receiverPort(t, rx),
		"/send/blob.bin", loopbackSendOptions(src, txCodec, 128))
	require.NoError(t, err)
	assert.Equal(t, 8, result.Acked)

	c := <-ev.done
	require.NoError(t, c.Err)
	got, _ := recvStore.ReadFile(c.Path)
	assert.Equal(t, data, got)
}

func TestSendFileWrongKeyNotAcked(t *testing.T) {
	rxKey, err := codec.DeriveKey("receiver", nil)
	require.NoError(t, err)
	txKey, err := codec.DeriveKey("sender", nil)
	require.NoError(t, err)
	rxCodec, _ := codec.NewSealed(rxKey)
	txCodec, _ := codec.NewSealed(txKey)

	var mu sync.Mutex
	var rejected []error
	rx, store, ev := startLoopbackReceiver(t, rxCodec, func(o *ReceiverOptions) {
		o.OnError = func(err error) {
			mu.Lock()
			rejected = append(rejected, err)
			mu.Unlock()
		}
	})

	src := simstore.NewSimulatedFileStore()
	src.AddFile("/send/secret.txt", []byte("top secret"))
	opts := loopbackSendOptions(src, txCodec, 4)
	opts.File.AckTimeout = 300 * time.Millisecond

	result, err := SendFile(context.Background(), "127.0.0.1", receiverPort(t, rx), "/send/secret.txt", opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, result.Acked)
	assert.Empty(t, store.Files())
	ev.mu.Lock()
	assert.Empty(t, ev.completions)
	ev.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, rejected)
	assert.True(t, errors.Is(rejected[0], codec.ErrIntegrity))
}

func TestStartReceiverStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rx, err := StartReceiver(ctx, &ReceiverOptions{
		Host:      "127.0.0.1",
		Store:     simstore.NewSimulatedFileStore(),
		OutputDir: "/recv",
		Transport: transport.ServerOptions{CloseGrace: 100 * time.Millisecond, TeardownWait: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	cancel()
	select {
	case <-rx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop on cancellation")
	}
	assert.NoError(t, rx.Stop())
}

func TestStartReceiverPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, err = StartReceiver(context.Background(), &ReceiverOptions{
		Host:  "127.0.0.1",
		Port:  l.Addr().(*net.TCPAddr).Port,
		Store: simstore.NewSimulatedFileStore(),
	})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := *factory.DefaultConfig()
	cfg.UseSimulation = true
	cfg.Port = 4000
	cfg.BindHost = "127.0.0.1"
	cfg.OutputDir = "/inbox"
	cfg.ChunkSize = 1024
	cfg.MaxInFlight = 5

	rxOpts := NewReceiverOptions(cfg)
	assert.Equal(t, "127.0.0.1", rxOpts.Host)
	assert.Equal(t, 4000, rxOpts.Port)
	assert.Equal(t, "/inbox", rxOpts.OutputDir)
	assert.True(t, rxOpts.Store.IsSimulation())
	assert.Equal(t, cfg.SessionIdleTimeout, rxOpts.SessionIdleTimeout)

	txOpts := NewSendOptions(cfg)
	assert.True(t, txOpts.Store.IsSimulation())
	assert.Equal(t, 1024, txOpts.Sender.ChunkSize)
	assert.Equal(t, 5, txOpts.Sender.MaxInFlight)
	assert.Equal(t, cfg.ConnectTimeout, txOpts.Sender.ConnectTimeout)
	assert.True(t, txOpts.File.WaitForAcks)
}
