// Package protocol defines the JSON-framed session wire protocol: one
// message per frame over a persistent duplex stream, every frame carrying
// a type discriminator. Output payloads larger than the frame ceiling are
// chunked across multiple output frames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// Type discriminates frames. Client-to-server types are command, input,
// and chat-message; everything else flows server-to-client.
type Type string

const (
	TypeCommand     Type = "command"
	TypeInput       Type = "input"
	TypeChatMessage Type = "chat-message"

	TypeOutput         Type = "output"
	TypeProgress       Type = "progress"
	TypeThought        Type = "thought"
	TypeStatus         Type = "status"
	TypePrompt         Type = "prompt"
	TypeEnableInput    Type = "enable_input"
	TypeDisableInput   Type = "disable_input"
	TypeMode           Type = "mode"
	TypeChatReady      Type = "chat-ready"
	TypeChatResponse   Type = "chat-response"
	TypeDownloadFile   Type = "download_file"
	TypeError          Type = "error"
	TypeSessionExpired Type = "session_expired"
	TypeConnection     Type = "connection"
)

// Message is the frame envelope. Fields are populated per type; the
// constructors below build well-formed frames.
type Message struct {
	Type Type `json:"type"`

	// command
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	CSRFToken string   `json:"csrfToken,omitempty"`

	// input
	Value string `json:"value,omitempty"`

	// chat-message, chat-response
	Message string `json:"message,omitempty"`

	// output, progress, thought, status, prompt
	Data json.RawMessage `json:"data,omitempty"`

	// prompt
	IsPassword bool           `json:"isPassword,omitempty"`
	Context    map[string]any `json:"context,omitempty"`

	// mode
	Mode   string `json:"mode,omitempty"`
	Prompt string `json:"prompt,omitempty"`

	// chat-ready
	Persona string `json:"persona,omitempty"`

	// download_file
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// connection
	Connected *bool  `json:"connected,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Encode marshals a frame. Frames exceeding maxBytes are an error; the
// caller should have chunked the payload first.
func Encode(m Message, maxBytes int) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte ceiling", len(data), maxBytes)
	}
	return data, nil
}

// Decode parses a frame and rejects unknown or missing types.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if !knownType(m.Type) {
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}

func knownType(t Type) bool {
	switch t {
	case TypeCommand, TypeInput, TypeChatMessage,
		TypeOutput, TypeProgress, TypeThought, TypeStatus, TypePrompt,
		TypeEnableInput, TypeDisableInput, TypeMode, TypeChatReady,
		TypeChatResponse, TypeDownloadFile, TypeError, TypeSessionExpired,
		TypeConnection:
		return true
	}
	return false
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payloads are built from plain structs and strings; a marshal
		// failure is a programming error.
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return data
}

// Output wraps a string payload as a single output frame.
func Output(data string) Message {
	return Message{Type: TypeOutput, Data: mustMarshal(data)}
}

// OutputStructured wraps an arbitrary payload as an output frame.
func OutputStructured(v any) Message {
	return Message{Type: TypeOutput, Data: mustMarshal(v)}
}

// ChunkOutput splits a string payload into output frames whose encoded
// size stays under maxBytes. Splits land on line boundaries when one is
// near the cut.
func ChunkOutput(data string, maxBytes int) []Message {
	// JSON escaping can roughly double the payload; leave generous room
	// for the envelope too.
	budget := maxBytes/2 - 256
	if budget <= 0 || len(data) <= budget {
		return []Message{Output(data)}
	}

	var frames []Message
	for len(data) > 0 {
		n := budget
		if n > len(data) {
			n = len(data)
		} else if idx := lastIndexByteWithin(data[:n], '\n', 512); idx > 0 {
			n = idx + 1
		}
		frames = append(frames, Output(data[:n]))
		data = data[n:]
	}
	return frames
}

func lastIndexByteWithin(s string, b byte, window int) int {
	start := len(s) - window
	if start < 0 {
		start = 0
	}
	for i := len(s) - 1; i >= start; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ProgressFrame wraps a telemetry progress snapshot.
func ProgressFrame(p telemetry.Progress) Message {
	return Message{Type: TypeProgress, Data: mustMarshal(p)}
}

// ThoughtFrame wraps a telemetry thought.
func ThoughtFrame(t telemetry.Thought) Message {
	return Message{Type: TypeThought, Data: mustMarshal(t)}
}

// StatusFrame wraps a telemetry status.
func StatusFrame(s telemetry.Status) Message {
	return Message{Type: TypeStatus, Data: mustMarshal(s)}
}

// PromptFrame requests one line of operator input, optionally masked.
// Context carries handler-specific hints such as post-research actions.
func PromptFrame(text string, isPassword bool, context map[string]any) Message {
	return Message{Type: TypePrompt, Data: mustMarshal(text), IsPassword: isPassword, Context: context}
}

// EnableInput re-enables the client input line.
func EnableInput() Message { return Message{Type: TypeEnableInput} }

// DisableInput disables the client input line (masked prompts).
func DisableInput() Message { return Message{Type: TypeDisableInput} }

// ModeFrame announces a mode transition.
func ModeFrame(mode, prompt string) Message {
	return Message{Type: TypeMode, Mode: mode, Prompt: prompt}
}

// ChatReady announces chat mode with the resolved persona.
func ChatReady(prompt, persona string) Message {
	return Message{Type: TypeChatReady, Prompt: prompt, Persona: persona}
}

// ChatResponse carries one assistant reply.
func ChatResponse(message string) Message {
	return Message{Type: TypeChatResponse, Message: message}
}

// DownloadFile delivers a named document to the client.
func DownloadFile(filename, content string) Message {
	return Message{Type: TypeDownloadFile, Filename: filename, Content: content}
}

// ErrorFrame carries a short, actionable error message.
func ErrorFrame(msg string) Message {
	return Message{Type: TypeError, Error: msg}
}

// SessionExpired announces an idle-timeout downgrade.
func SessionExpired() Message { return Message{Type: TypeSessionExpired} }

// Connection announces connect/disconnect with an optional reason.
func Connection(connected bool, reason string) Message {
	return Message{Type: TypeConnection, Connected: &connected, Reason: reason}
}
