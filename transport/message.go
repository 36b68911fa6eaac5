package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/filedrop/codec"
	"github.com/opd-ai/filedrop/limits"
)

// MessageType identifies the kind of a wire message.
type MessageType string

const (
	// MessageChunk carries file data. On the wire it has no type field.
	MessageChunk MessageType = "chunk"
	// MessageAck confirms a processed chunk.
	MessageAck MessageType = "ack"
	// MessagePing is the idle keepalive.
	MessagePing MessageType = "ping"
)

// ErrUnknownMessageType indicates a wire message with an unrecognised type field.
var ErrUnknownMessageType = errors.New("unknown message type")

// ChunkMessage is the envelope for one chunk of a file transfer.
type ChunkMessage struct {
	SessionID           string `json:"sessionId"`
	Index               int    `json:"index"`
	Data                string `json:"data"`
	IV                  string `json:"iv,omitempty"`
	Hash                string `json:"hash,omitempty"`
	FileName            string `json:"fileName,omitempty"`
	MimeType            string `json:"mimeType,omitempty"`
	TotalChunks         int    `json:"totalChunks,omitempty"`
	IsLastChunk         bool   `json:"isLastChunk,omitempty"`
	IsCompletionMessage bool   `json:"isCompletionMessage,omitempty"`
}

// Encoded returns the codec form of the message payload.
func (m *ChunkMessage) Encoded() codec.Encoded {
	return codec.Encoded{Index: m.Index, IV: m.IV, Data: m.Data, Hash: m.Hash}
}

// IsMetadataOnly reports whether the message is a completion marker carrying no data.
func (m *ChunkMessage) IsMetadataOnly() bool {
	return m.IsCompletionMessage && m.Data == ""
}

// NewChunkMessage builds a chunk message from an encoded payload.
func NewChunkMessage(sessionID string, enc codec.Encoded) *ChunkMessage {
	return &ChunkMessage{
		SessionID: sessionID,
		Index:     enc.Index,
		Data:      enc.Data,
		IV:        enc.IV,
		Hash:      enc.Hash,
	}
}

// AckMessage confirms that the receiver stored a chunk.
type AckMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Index     int         `json:"index"`
}

// NewAck builds an ack for the given chunk.
func NewAck(sessionID string, index int) *AckMessage {
	return &AckMessage{Type: MessageAck, SessionID: sessionID, Index: index}
}

// PingMessage is the keepalive written by an idle sender.
type PingMessage struct {
	Type MessageType `json:"type"`
}

// Message is one parsed wire line. Exactly one of Chunk or Ack is set for
// chunk and ack messages; pings carry no body.
type Message struct {
	Type  MessageType
	Chunk *ChunkMessage
	Ack   *AckMessage
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// envelope is the union of every wire field, used for decoding.
type envelope struct {
	Type                MessageType `json:"type"`
	SessionID           string      `json:"sessionId"`
	Index               *int        `json:"index"`
	Data                *string     `json:"data"`
	IV                  string      `json:"iv"`
	Hash                string      `json:"hash"`
	FileName            string      `json:"fileName"`
	MimeType            string      `json:"mimeType"`
	TotalChunks         int         `json:"totalChunks"`
	IsLastChunk         bool        `json:"isLastChunk"`
	IsCompletionMessage bool        `json:"isCompletionMessage"`
}

// EncodeLine serializes a message as JSON terminated by a single newline.
// encoding/json escapes control characters, so the body never contains one.
func EncodeLine(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if bytes.IndexByte(body, '\n') >= 0 {
		return nil, errors.New("encode message: embedded newline")
	}
	return append(body, '\n'), nil
}

// ParseMessage decodes one trimmed wire line.
func ParseMessage(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("decode json: %w", err)
	}

	switch env.Type {
	case MessagePing:
		return Message{Type: MessagePing}, nil
	case MessageAck:
		if err := limits.ValidateSessionID(env.SessionID); err != nil {
			return Message{}, err
		}
		if env.Index == nil || *env.Index < 0 {
			return Message{}, errors.New("ack without valid index")
		}
		return Message{Type: MessageAck, Ack: NewAck(env.SessionID, *env.Index)}, nil
	case "", MessageChunk:
		chunk, err := env.chunk()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageChunk, Chunk: chunk}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// chunk validates the chunk fields of env.
func (env *envelope) chunk() (*ChunkMessage, error) {
	if err := limits.ValidateSessionID(env.SessionID); err != nil {
		return nil, err
	}
	if err := limits.ValidateFileName(env.FileName); err != nil {
		return nil, err
	}
	if env.TotalChunks < 0 {
		return nil, fmt.Errorf("negative totalChunks %d", env.TotalChunks)
	}

	msg := &ChunkMessage{
		SessionID:           env.SessionID,
		Index:               -1,
		IV:                  env.IV,
		Hash:                env.Hash,
		FileName:            env.FileName,
		MimeType:            env.MimeType,
		TotalChunks:         env.TotalChunks,
		IsLastChunk:         env.IsLastChunk,
		IsCompletionMessage: env.IsCompletionMessage,
	}
	if env.Data != nil {
		msg.Data = *env.Data
	}
	if env.Index != nil {
		msg.Index = *env.Index
	}

	if msg.IsMetadataOnly() {
		return msg, nil
	}
	if env.Index == nil || msg.Index < 0 {
		return nil, errors.New("chunk without valid index")
	}
	if env.Data == nil {
		return nil, errors.New("chunk without data")
	}
	return msg, nil
}
