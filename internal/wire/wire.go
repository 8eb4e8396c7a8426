// Package wire implements the plugin host's on-the-wire protocol: a
// line-delimited, forward-compatible framing of a tagged message union
// exchanged with a worker process over its standard input/output streams.
//
// Every record is one UTF-8 JSON object terminated by a single line feed.
// The "kind" field is the discriminator. Readers must tolerate unknown
// object fields (schema evolution) and a Log message with an unrecognised
// kind is simply ignored by callers that don't need it; a message a caller
// IS waiting for that fails to parse at all is a ProtocolViolation.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Kind discriminates the WireMessage union.
type Kind string

const (
	KindHandshake      Kind = "handshake"
	KindHandshakeAck   Kind = "handshake_ack"
	KindActivate       Kind = "activate"
	KindActivateResult Kind = "activate_result"
	KindCancel         Kind = "cancel"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
	KindLog            Kind = "log"
)

// LogLevel is the severity of a Log message.
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Message is the envelope every wire record is encoded/decoded through. Only
// the fields relevant to Kind are populated; the rest are left zero-valued.
// Unknown fields present on the wire are tolerated (decoded into a message
// whose Kind this host doesn't recognise, or ignored as extra JSON keys).
type Message struct {
	Kind Kind `json:"kind"`

	// Handshake / HandshakeAck
	ProtocolVersion           uint32   `json:"protocol_version,omitempty"`
	PluginID                  string   `json:"plugin_id,omitempty"`
	PluginVersion             string   `json:"plugin_version,omitempty"`
	DeclaredCapabilities      []string `json:"declared_capabilities,omitempty"`
	SupportedProtocolVersions []uint32 `json:"supported_protocol_versions,omitempty"`
	Accepted                  *bool    `json:"accepted,omitempty"`
	Reason                    string   `json:"reason,omitempty"`
	NegotiatedProtocolVersion uint32   `json:"negotiated_protocol_version,omitempty"`
	ReportedCapabilities      []string `json:"reported_capabilities,omitempty"`

	// Activate / ActivateResult / Cancel / Ping / Pong
	RequestID     string `json:"request_id,omitempty"`
	TriggerTag    string `json:"trigger_tag,omitempty"`
	Ok            *bool  `json:"ok,omitempty"`
	DurationMs    uint32 `json:"duration_millis,omitempty"`

	// Log
	Level   LogLevel `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Handshake builds a host→worker Handshake message.
func Handshake(pluginID, pluginVersion string, protocolVersion uint32, supported []uint32, declared []string) Message {
	return Message{
		Kind:                      KindHandshake,
		ProtocolVersion:           protocolVersion,
		PluginID:                  pluginID,
		PluginVersion:             pluginVersion,
		DeclaredCapabilities:      declared,
		SupportedProtocolVersions: supported,
	}
}

// HandshakeAck builds a worker→host HandshakeAck message.
func HandshakeAck(accepted bool, negotiated uint32, reason string, reported []string) Message {
	return Message{
		Kind:                      KindHandshakeAck,
		Accepted:                  &accepted,
		NegotiatedProtocolVersion: negotiated,
		Reason:                    reason,
		ReportedCapabilities:      reported,
	}
}

// Activate builds a host→worker Activate message.
func Activate(requestID, triggerTag string, reported []string) Message {
	return Message{
		Kind:                 KindActivate,
		RequestID:            requestID,
		TriggerTag:           triggerTag,
		ReportedCapabilities: reported,
	}
}

// ActivateResult builds a worker→host ActivateResult message.
func ActivateResult(requestID string, ok bool, reason string, durationMs uint32) Message {
	return Message{
		Kind:       KindActivateResult,
		RequestID:  requestID,
		Ok:         &ok,
		Reason:     reason,
		DurationMs: durationMs,
	}
}

// Cancel builds a host→worker Cancel message.
func Cancel(requestID string) Message {
	return Message{Kind: KindCancel, RequestID: requestID}
}

// Ping builds a Ping message.
func Ping(requestID string) Message {
	return Message{Kind: KindPing, RequestID: requestID}
}

// Pong builds a Pong message.
func Pong(requestID string) Message {
	return Message{Kind: KindPong, RequestID: requestID}
}

// Log builds a worker→host Log message.
func Log(level LogLevel, message string) Message {
	return Message{Kind: KindLog, Level: level, Message: message}
}

// Encoder writes framed Messages to an underlying writer, one JSON object
// per line. It is not safe for concurrent use by multiple goroutines;
// callers serialize writes themselves (the activation engine never has two
// in-flight sends on the same transport at once, per the single in-flight
// request per session contract).
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w in a framed Message encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one framed message. Returns an error if m.Message or any
// string field contains an embedded newline, which would corrupt framing.
func (e *Encoder) Encode(m Message) error {
	if err := m.validateNoNewlines(); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = e.w.Write(b)
	return err
}

func (m Message) validateNoNewlines() error {
	for _, s := range []string{m.Message, m.Reason, m.PluginID, m.PluginVersion, m.RequestID, m.TriggerTag} {
		for _, r := range s {
			if r == '\n' {
				return fmt.Errorf("wire: field contains embedded newline, would corrupt framing")
			}
		}
	}
	return nil
}

// Decoder reads framed Messages from an underlying reader, one per line.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r in a framed Message decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// ErrProtocolViolation is returned when a line cannot be parsed as a
// Message at all — the reader framing contract is broken.
var ErrProtocolViolation = fmt.Errorf("wire: protocol violation")

// Decode reads and parses the next framed message. Returns io.EOF when the
// underlying stream is closed cleanly between messages. Returns
// ErrProtocolViolation (wrapped with detail) if a line cannot be parsed as
// JSON at all; unknown fields within an otherwise-valid object are silently
// tolerated by json.Unmarshal's default behaviour.
func (d *Decoder) Decode() (Message, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return Message{}, io.EOF
		}
		if err != io.EOF {
			return Message{}, err
		}
		// fallthrough: a final unterminated line is still attempted below
	}

	var m Message
	if unmarshalErr := json.Unmarshal([]byte(line), &m); unmarshalErr != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrProtocolViolation, unmarshalErr)
	}
	return m, nil
}
