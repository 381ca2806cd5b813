// Package tunnelproto defines the JSON control protocol exchanged between
// the relay server and its tunnel clients on the control substream.
package tunnelproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Message types identify the payload carried by a [Message].  The client
// speaks Register/Ping/Disconnect; the server answers with the rest.
const (
	TypeRegister   = "Register"
	TypePing       = "Ping"
	TypeDisconnect = "Disconnect"

	TypeRegistered = "Registered"
	TypeError      = "Error"
	TypePong       = "Pong"
	TypeCertStatus = "CertificateStatus"
	TypeShutdown   = "Shutdown"
)

// MaxLineBytes bounds a single control message on the wire.
const MaxLineBytes = 16 * 1024

// ErrLineTooLong is returned when a control line exceeds [MaxLineBytes].
var ErrLineTooLong = errors.New("tunnelproto: control line too long")

// Message is the envelope for every control exchange.  Messages are
// newline-delimited JSON; unknown fields are ignored, unknown types are a
// protocol error at the receiver.
type Message struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	URL       string `json:"url,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Ready     *bool  `json:"ready,omitempty"`
}

// CertReady reports the Ready flag of a CertificateStatus message.
func (m Message) CertReady() bool {
	return m.Ready != nil && *m.Ready
}

// Register builds the client's initial registration message.
func Register(token, subdomain string) Message {
	return Message{Type: TypeRegister, Token: token, Subdomain: subdomain}
}

// Registered builds the server's successful registration reply.
func Registered(subdomain, url string) Message {
	return Message{Type: TypeRegistered, Subdomain: subdomain, URL: url}
}

// Error builds a terminal error message with a protocol code.
func Error(code, text string) Message {
	return Message{Type: TypeError, Code: code, Message: text}
}

// CertStatus reports certificate readiness for the registered hostname.
func CertStatus(ready bool) Message {
	return Message{Type: TypeCertStatus, Ready: &ready}
}

// Write marshals m and writes it as a single newline-terminated line.
func Write(w io.Writer, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("tunnelproto: marshal %s: %w", m.Type, err)
	}
	if len(b)+1 > MaxLineBytes {
		return ErrLineTooLong
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return err
	}
	return nil
}

// Read consumes one newline-terminated message from br, enforcing the
// per-line size cap.  io.EOF is returned unchanged when the stream ends
// cleanly before a message starts.
func Read(br *bufio.Reader) (Message, error) {
	var m Message
	line, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return m, ErrLineTooLong
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return m, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return m, err
		}
		// Final message without a trailing newline.
	}
	if len(line) > MaxLineBytes {
		return m, ErrLineTooLong
	}
	if err := json.Unmarshal(line, &m); err != nil {
		return m, fmt.Errorf("tunnelproto: decode: %w", err)
	}
	if m.Type == "" {
		return m, errors.New("tunnelproto: message missing type")
	}
	return m, nil
}

// NewReader returns a bufio.Reader sized for [Read]'s line cap.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, MaxLineBytes)
}
