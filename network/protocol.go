package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"peerdrop/models"
)

const (
	// ProtocolVersion is carried in hello and must match on both ends.
	ProtocolVersion = 1
	// MaxFrameSize caps one frame payload at 10 MiB.
	MaxFrameSize = 10 * 1024 * 1024

	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval is the idle time before a ping goes out.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout is how long a ping may stay unanswered.
	DefaultKeepAliveTimeout = 15 * time.Second
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello        = "hello"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeMetadata     = "metadata"
	TypeChunk        = "chunk"
	TypeAck          = "ack"
	TypeCancel       = "cancel"
	TypeSignalOffer  = "signal_offer"
	TypeSignalAnswer = "signal_answer"
	TypeError        = "error"
)

var (
	ErrFrameTooLarge      = errors.New("network: frame exceeds max size")
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType covers a missing or unknown "type".
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope is the common prefix of every message.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a TCP link and names the sending peer.
type HelloMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Purpose         string `json:"purpose,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// PingMessage probes an idle link.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// FileMetadata is the descriptor body announced to the receiver.
type FileMetadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// MetadataEntry pairs a transfer id with its metadata.
type MetadataEntry struct {
	ID       string       `json:"id"`
	Metadata FileMetadata `json:"metadata"`
}

// MetadataMessage announces a batch of file descriptors.
type MetadataMessage struct {
	Type    string          `json:"type"`
	Payload []MetadataEntry `json:"payload"`
}

// ChunkMessage carries one contiguous slice of a file.
type ChunkMessage struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
}

// AckMessage confirms one chunk.
type AckMessage struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// CancelMessage tells the peer a transfer was abandoned.
type CancelMessage struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Reason string `json:"reason,omitempty"`
}

// SignalMessage carries a WebRTC session description during signaling.
type SignalMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ErrorMessage is sent before closing a rejected connection.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewMetadataMessage builds the announcement for a batch of descriptors.
func NewMetadataMessage(descriptors []models.FileDescriptor) MetadataMessage {
	payload := make([]MetadataEntry, 0, len(descriptors))
	for _, desc := range descriptors {
		payload = append(payload, MetadataEntry{
			ID: desc.ID,
			Metadata: FileMetadata{
				Name: desc.Name,
				Size: desc.Size,
				Type: desc.MimeType,
			},
		})
	}
	return MetadataMessage{Type: TypeMetadata, Payload: payload}
}

// Descriptors converts the announced entries back to descriptors.
func (m MetadataMessage) Descriptors() ([]models.FileDescriptor, error) {
	out := make([]models.FileDescriptor, 0, len(m.Payload))
	for _, entry := range m.Payload {
		desc := models.FileDescriptor{
			ID:       entry.ID,
			Name:     entry.Metadata.Name,
			Size:     entry.Metadata.Size,
			MimeType: entry.Metadata.Type,
		}
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// EncodeJSON marshals message for WriteFrame.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", message, err)
	}
	return payload, nil
}

// DecodeMessageType returns the "type" discriminator of payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

func decodeAs[T any](payload []byte, kind string) (any, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return msg, nil
}

// DecodeTransferMessage returns a MetadataMessage, ChunkMessage, AckMessage
// or CancelMessage. Any other type is ErrInvalidMessageType.
func DecodeTransferMessage(payload []byte) (any, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case TypeMetadata:
		return decodeAs[MetadataMessage](payload, msgType)
	case TypeChunk:
		return decodeAs[ChunkMessage](payload, msgType)
	case TypeAck:
		return decodeAs[AckMessage](payload, msgType)
	case TypeCancel:
		return decodeAs[CancelMessage](payload, msgType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
}

// frameHeaderSize is the big-endian uint32 length prefix.
const frameHeaderSize = 4

// WriteFrame writes the length prefix and payload in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout is ReadFrame under a read deadline. A zero timeout
// waits forever.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return ReadFrame(conn)
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})
	return ReadFrame(conn)
}

func writeMessage(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func readHello(conn net.Conn, timeout time.Duration) (HelloMessage, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("read hello: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return HelloMessage{}, err
	}
	if msgType == TypeError {
		var remoteErr ErrorMessage
		if err := json.Unmarshal(payload, &remoteErr); err != nil {
			return HelloMessage{}, fmt.Errorf("decode remote error response: %w", err)
		}
		return HelloMessage{}, fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
	}
	if msgType != TypeHello {
		return HelloMessage{}, fmt.Errorf("expected %q, got %q", TypeHello, msgType)
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return HelloMessage{}, ErrUnsupportedVersion
	}
	if _, err := models.ParsePeerIdentity(hello.PeerID); err != nil {
		return HelloMessage{}, err
	}
	return hello, nil
}

func newHello(local models.PeerIdentity, purpose string) HelloMessage {
	return HelloMessage{
		Type:            TypeHello,
		PeerID:          local.String(),
		ProtocolVersion: ProtocolVersion,
		Purpose:         purpose,
		Timestamp:       time.Now().UnixMilli(),
	}
}
