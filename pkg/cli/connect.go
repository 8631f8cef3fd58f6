package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/term"

	"github.com/fathomlabs/fathom/pkg/protocol"
)

// ConnectCmd attaches an interactive terminal to a running server.
type ConnectCmd struct {
	Addr string `help:"Server websocket address." default:"ws://127.0.0.1:7171/ws"`
}

// promptContext is the decoded prompt context payload. Post-research
// prompts carry the action taxonomy and suggested filename.
type promptContext struct {
	Action            string   `mapstructure:"action"`
	Options           []string `mapstructure:"options"`
	SuggestedFilename string   `mapstructure:"suggestedFilename"`
}

type serverPrompt struct {
	text    string
	masked  bool
	context promptContext
}

// client is the terminal-side session state.
type client struct {
	conn *websocket.Conn
	rl   *readline.Instance

	writeMu sync.Mutex

	mu      sync.Mutex
	mode    string
	prompt  *serverPrompt
	pending bool

	done chan struct{}
}

func (c *ConnectCmd) Run(g *Globals) error {
	if _, err := setup(g); err != nil {
		return err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("connect requires an interactive terminal")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.Addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fathom> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	cl := &client{
		conn: conn,
		rl:   rl,
		mode: "command",
		done: make(chan struct{}),
	}

	go cl.readFrames()
	cl.inputLoop()
	return nil
}

func (c *client) send(m protocol.Message) error {
	data, err := protocol.Encode(m, 0)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// inputLoop reads operator lines. Lines answer a pending server prompt
// first; otherwise slash lines become commands and, in chat mode, bare
// text becomes chat messages.
func (c *client) inputLoop() {
	for !c.closed() {
		if p := c.takePrompt(); p != nil {
			c.answerPrompt(p)
			continue
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF || err != nil {
			c.send(protocol.Message{Type: protocol.TypeCommand, Command: "exit"})
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// A prompt may have arrived while typing; the line answers it.
		if p := c.takePrompt(); p != nil {
			if p.masked {
				c.answerPrompt(p)
				continue
			}
			c.send(protocol.Message{Type: protocol.TypeInput, Value: line})
			continue
		}

		c.mu.Lock()
		mode := c.mode
		c.mu.Unlock()

		if mode == "chat" && !strings.HasPrefix(line, "/") {
			c.send(protocol.Message{Type: protocol.TypeChatMessage, Message: line})
			continue
		}
		fields := strings.Fields(line)
		c.send(protocol.Message{
			Type:    protocol.TypeCommand,
			Command: strings.TrimPrefix(fields[0], "/"),
			Args:    fields[1:],
		})
	}
}

func (c *client) takePrompt() *serverPrompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.prompt
	c.prompt = nil
	return p
}

func (c *client) answerPrompt(p *serverPrompt) {
	hint := ""
	if len(p.context.Options) > 0 {
		hint = fmt.Sprintf(" [%s]", strings.Join(p.context.Options, "/"))
	}

	var value string
	if p.masked {
		pw, err := c.rl.ReadPassword(p.text + hint + ": ")
		if err != nil {
			return
		}
		value = string(pw)
	} else {
		c.rl.SetPrompt(p.text + hint + ": ")
		line, err := c.rl.Readline()
		c.rl.SetPrompt(c.promptString())
		if err != nil {
			return
		}
		value = strings.TrimSpace(line)
	}
	c.send(protocol.Message{Type: protocol.TypeInput, Value: value})
}

func (c *client) promptString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == "chat" {
		return "chat> "
	}
	return "fathom> "
}

// readFrames renders server frames until the connection ends.
func (c *client) readFrames() {
	defer close(c.done)
	out := c.rl.Stdout()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			fmt.Fprintln(out, "connection closed")
			c.rl.Close()
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch m.Type {
		case protocol.TypeOutput:
			fmt.Fprintln(out, renderData(m.Data))

		case protocol.TypeProgress:
			var p struct {
				CurrentDepth     int `json:"currentDepth"`
				TotalDepth       int `json:"totalDepth"`
				CompletedQueries int `json:"completedQueries"`
				TotalQueries     int `json:"totalQueries"`
				Percent          int `json:"percent"`
			}
			if json.Unmarshal(m.Data, &p) == nil {
				fmt.Fprintf(out, "%s depth %d/%d, queries %d/%d (%d%%)\n",
					color.CyanString("progress:"), p.CurrentDepth, p.TotalDepth,
					p.CompletedQueries, p.TotalQueries, p.Percent)
			}

		case protocol.TypeThought:
			var t struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(m.Data, &t) == nil {
				color.New(color.FgHiBlack).Fprintf(out, "· %s\n", t.Text)
			}

		case protocol.TypeStatus:
			var s struct {
				Stage   string `json:"stage"`
				Message string `json:"message"`
			}
			if json.Unmarshal(m.Data, &s) == nil {
				fmt.Fprintf(out, "%s %s\n", color.CyanString("["+s.Stage+"]"), s.Message)
			}

		case protocol.TypePrompt:
			var text string
			json.Unmarshal(m.Data, &text)
			var pctx promptContext
			if m.Context != nil {
				mapstructure.Decode(m.Context, &pctx)
			}
			c.mu.Lock()
			c.prompt = &serverPrompt{text: text, masked: m.IsPassword, context: pctx}
			c.mu.Unlock()

		case protocol.TypeEnableInput:
			c.mu.Lock()
			c.pending = false
			c.mu.Unlock()

		case protocol.TypeDisableInput:
			c.mu.Lock()
			c.pending = true
			c.mu.Unlock()

		case protocol.TypeMode:
			c.mu.Lock()
			c.mode = m.Mode
			c.mu.Unlock()
			c.rl.SetPrompt(c.promptString())

		case protocol.TypeChatReady:
			c.mu.Lock()
			c.mode = "chat"
			c.mu.Unlock()
			c.rl.SetPrompt(m.Prompt)
			fmt.Fprintf(out, "chat ready (persona: %s); /exit to leave\n", m.Persona)

		case protocol.TypeChatResponse:
			fmt.Fprintln(out, m.Message)

		case protocol.TypeDownloadFile:
			if err := os.WriteFile(m.Filename, []byte(m.Content), 0644); err != nil {
				color.Red("failed to save %s: %v", m.Filename, err)
			} else {
				fmt.Fprintf(out, "saved %s\n", m.Filename)
			}

		case protocol.TypeError:
			color.New(color.FgRed).Fprintf(out, "error: %s\n", m.Error)

		case protocol.TypeSessionExpired:
			color.New(color.FgYellow).Fprintln(out, "session expired; /login to re-authenticate")

		case protocol.TypeConnection:
			if m.Connected != nil && !*m.Connected {
				reason := m.Reason
				if reason == "" {
					reason = "server closed the session"
				}
				fmt.Fprintln(out, "disconnected:", reason)
				c.rl.Close()
				return
			}
		}
	}
}

// renderData prints an output payload: plain strings verbatim, structured
// payloads as indented JSON.
func renderData(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf strings.Builder
	var v any
	if json.Unmarshal(raw, &v) == nil {
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if enc.Encode(v) == nil {
			return strings.TrimRight(buf.String(), "\n")
		}
	}
	return string(raw)
}
