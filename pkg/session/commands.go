package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fathomlabs/fathom/pkg/chat"
	"github.com/fathomlabs/fathom/pkg/history"
	"github.com/fathomlabs/fathom/pkg/memory"
	"github.com/fathomlabs/fathom/pkg/persona"
	"github.com/fathomlabs/fathom/pkg/protocol"
	"github.com/fathomlabs/fathom/pkg/research"
)

// HandlerResult reports how a command finished. Input is re-enabled
// after completion unless KeepDisabled is set or a prompt is in flight.
type HandlerResult struct {
	Success      bool
	KeepDisabled bool
	Handled      bool
}

// Handler processes one command for a session.
type Handler func(ctx context.Context, s *Session, args []string) (HandlerResult, error)

var handlers = map[string]Handler{
	"research":     cmdResearch,
	"chat":         cmdChat,
	"status":       cmdStatus,
	"memory":       cmdMemory,
	"terminal":     cmdTerminal,
	"chat-history": cmdChatHistory,
	"login":        cmdLogin,
	"help":         cmdHelp,
	"exit":         cmdExit,
}

// RegisterHandler installs or replaces a named command handler.
func RegisterHandler(name string, h Handler) {
	handlers[strings.ToLower(name)] = h
}

func (s *Session) dispatch(m protocol.Message) {
	switch m.Type {
	case protocol.TypeCommand:
		s.runCommand(m.Command, m.Args)
	case protocol.TypeChatMessage:
		s.handleChatMessage(m.Message)
	}
}

func (s *Session) runCommand(name string, args []string) {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "/")
	handler, ok := handlers[name]
	if !ok {
		s.send(protocol.ErrorFrame(fmt.Sprintf("unknown command %q", name)))
		s.send(protocol.EnableInput())
		return
	}

	s.logger.Debug("command dispatched", "command", name)
	res, err := handler(s.ctx, s, args)
	if err != nil {
		s.logger.Warn("command failed", "command", name, "error", err)
		s.send(protocol.ErrorFrame(err.Error()))
		s.setMode(ModeCommand)
		s.send(protocol.EnableInput())
		return
	}
	if !res.KeepDisabled && !s.promptPending() {
		s.send(protocol.EnableInput())
	}
}

// handleChatMessage routes free text while in chat mode. Slash-prefixed
// text dispatches as a command so /research and /exit work mid-chat.
func (s *Session) handleChatMessage(msg string) {
	if s.Mode() != ModeChat {
		s.send(protocol.ErrorFrame("not in chat mode"))
		s.send(protocol.EnableInput())
		return
	}

	msg = strings.TrimSpace(msg)
	if strings.HasPrefix(msg, "/") {
		fields := strings.Fields(msg)
		name := fields[0]
		args := fields[1:]
		if name == "/exit" || (name == "/chat" && len(args) > 0 && args[0] == "exit") {
			s.exitChat()
			s.send(protocol.EnableInput())
			return
		}
		s.runCommand(name, args)
		return
	}

	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv == nil {
		s.send(protocol.ErrorFrame("no active conversation"))
		s.setMode(ModeCommand)
		s.send(protocol.EnableInput())
		return
	}

	loop := s.chatLoopFor(s.credentials())
	reply, err := loop.Turn(s.ctx, conv, msg, s.telemetryFor())
	if err != nil {
		s.send(protocol.ErrorFrame(err.Error()))
		s.send(protocol.EnableInput())
		return
	}
	s.send(protocol.ChatResponse(reply))
	s.send(protocol.EnableInput())
}

// exitChat summarizes and closes the active conversation, returning the
// session to command mode.
func (s *Session) exitChat() {
	s.mu.Lock()
	conv := s.conv
	s.conv = nil
	s.mu.Unlock()

	if conv != nil && len(conv.Messages) > 0 {
		loop := s.chatLoopFor(s.credentials())
		result := loop.End(s.ctx, conv, s.core.Cfg.Memory.RemoteSync)
		s.send(protocol.OutputStructured(map[string]any{
			"event":     "memory-commit",
			"success":   result.Success,
			"commitRef": result.CommitRef,
		}))
	}
	s.setMode(ModeCommand)
	s.send(protocol.ModeFrame(string(ModeCommand), ""))
}

func cmdResearch(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	topic := strings.TrimSpace(strings.Join(args, " "))

	var override []string
	s.mu.Lock()
	conv := s.conv
	inChat := s.mode == ModeChat
	s.mu.Unlock()

	if inChat && conv != nil {
		// Chat handoff: recent history seeds the run, no re-prompting.
		override = chat.RecentMessages(conv, 10)
		if topic == "" {
			topic = lastUserMessage(conv)
		}
	}
	if topic == "" && len(override) == 0 {
		value, err := s.RequestPrompt(ctx, "Enter research topic", false, nil)
		if err != nil {
			return HandlerResult{}, err
		}
		topic = strings.TrimSpace(value)
	}
	if topic == "" && len(override) == 0 {
		return HandlerResult{}, fmt.Errorf("research topic required")
	}

	creds := s.credentials()
	tel := s.telemetryFor()
	engine, err := s.engineFor(creds, tel)
	if err != nil {
		return HandlerResult{}, err
	}

	cfg := s.core.Cfg.Research
	result, err := engine.Run(ctx, research.Request{
		Topic:           topic,
		Depth:           cfg.DefaultDepth,
		Breadth:         cfg.DefaultBreadth,
		OverrideQueries: override,
		Telemetry:       tel,
		User:            s.User(),
	})
	if err != nil {
		return HandlerResult{}, err
	}

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	s.sendOutput(result.Summary)
	if s.core.Prefs.Read().Widgets["sources"] && len(result.Sources) > 0 {
		s.sendOutput("Sources:\n" + strings.Join(result.Sources, "\n"))
	}

	if result.Success {
		s.rememberRun(ctx, topic, result)
	}

	s.offerResultActions(ctx, result)
	return HandlerResult{Success: result.Success}, nil
}

// rememberRun stores the run summary into episodic memory so later chat
// turns can recall it.
func (s *Session) rememberRun(ctx context.Context, topic string, result *research.Result) {
	_, err := s.core.Memory.Store(ctx, memory.StoreRequest{
		Content: result.Summary,
		Role:    memory.RoleSystem,
		Layer:   memory.LayerEpisodic,
		Source:  "research",
		Tags:    append([]string{"research"}, strings.Fields(research.Slugify(topic))...),
	}, memory.Context{User: s.User(), SyncRemote: s.core.Cfg.Memory.RemoteSync})
	if err != nil {
		s.logger.Warn("storing research summary failed", "error", err)
	}
}

// offerResultActions runs the post-research action prompt. Timeouts and
// aborts default to keeping the result in the session.
func (s *Session) offerResultActions(ctx context.Context, result *research.Result) {
	value, err := s.RequestPrompt(ctx, "Result ready. keep, download, or discard?", false, map[string]any{
		"action":            "post-research",
		"options":           []string{"keep", "download", "discard"},
		"suggestedFilename": result.SuggestedFilename,
	})
	if err != nil {
		return
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "download":
		s.send(protocol.DownloadFile(result.SuggestedFilename, renderResult(result)))
	case "discard":
		s.mu.Lock()
		s.lastResult = nil
		s.mu.Unlock()
		s.send(protocol.Output("Result discarded."))
	default:
		s.send(protocol.Output("Result kept for this session."))
	}
}

func renderResult(result *research.Result) string {
	var b strings.Builder
	b.WriteString(result.Summary)
	if len(result.Sources) > 0 {
		b.WriteString("\n\n## Sources\n\n")
		for _, src := range result.Sources {
			fmt.Fprintf(&b, "- %s\n", src)
		}
	}
	return b.String()
}

func lastUserMessage(conv *history.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == string(memory.RoleUser) {
			return conv.Messages[i].Content
		}
	}
	return ""
}

func cmdChat(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if len(args) > 0 {
		switch args[0] {
		case "list":
			s.send(protocol.OutputStructured(persona.All()))
			return HandlerResult{Success: true}, nil
		case "get":
			s.send(protocol.OutputStructured(s.core.Personas.GetDefault()))
			return HandlerResult{Success: true}, nil
		case "set":
			if len(args) < 2 {
				return HandlerResult{}, fmt.Errorf("usage: /chat set <persona>")
			}
			p, err := s.core.Personas.SetDefault(args[1])
			if err != nil {
				return HandlerResult{}, err
			}
			s.send(protocol.Output(fmt.Sprintf("Default persona set to %s.", p.Slug)))
			return HandlerResult{Success: true}, nil
		case "reset":
			p, err := s.core.Personas.Reset()
			if err != nil {
				return HandlerResult{}, err
			}
			s.send(protocol.Output(fmt.Sprintf("Default persona reset to %s.", p.Slug)))
			return HandlerResult{Success: true}, nil
		case "exit":
			s.exitChat()
			return HandlerResult{Success: true}, nil
		default:
			return HandlerResult{}, fmt.Errorf("unknown subcommand %q", args[0])
		}
	}

	loop := s.chatLoopFor(s.credentials())
	conv, p, err := loop.Start(s.User(), s.core.Personas.GetDefault().Slug)
	if err != nil {
		return HandlerResult{}, err
	}

	s.mu.Lock()
	s.conv = conv
	s.mode = ModeChat
	s.mu.Unlock()

	s.send(protocol.ModeFrame(string(ModeChat), "chat> "))
	s.send(protocol.ChatReady("chat> ", p.Slug))
	return HandlerResult{Success: true}, nil
}

func cmdStatus(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	creds := s.credentials()
	cfg := s.core.Cfg

	state := func(key string) string {
		if key == "" {
			return "missing"
		}
		return "configured"
	}
	remote := "disabled"
	if cfg.Memory.RemoteSync {
		remote = "enabled"
	}

	s.send(protocol.OutputStructured(map[string]any{
		"searchCredential": state(creds.Search),
		"llmCredential":    state(creds.LLM),
		"remoteSync":       remote,
		"model":            cfg.LLM.Model,
		"persona":          s.core.Personas.GetDefault().Slug,
		"mode":             string(s.Mode()),
		"user":             s.User(),
	}))
	return HandlerResult{Success: true}, nil
}

func cmdMemory(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if len(args) == 0 {
		return HandlerResult{}, fmt.Errorf("usage: /memory store|recall|stats|summarize|validate")
	}
	sub, rest := args[0], args[1:]
	flags, positional := parseFlags(rest)

	mctx := memory.Context{User: s.User(), SyncRemote: s.core.Cfg.Memory.RemoteSync}

	switch sub {
	case "store":
		content := strings.Join(positional, " ")
		var tags []string
		if t := flags["tags"]; t != "" {
			tags = strings.Split(t, ",")
		}
		rec, err := s.core.Memory.Store(ctx, memory.StoreRequest{
			Content: content,
			Layer:   memory.Layer(flags["layer"]),
			Source:  flags["source"],
			Tags:    tags,
		}, mctx)
		if err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.OutputStructured(rec))

	case "recall":
		limit, _ := strconv.Atoi(flags["limit"])
		records, err := s.core.Memory.Recall(ctx, memory.RecallRequest{
			Query:        strings.Join(positional, " "),
			Layer:        memory.Layer(flags["layer"]),
			Limit:        limit,
			IncludeShort: flags["short"] == "true",
			IncludeLong:  flags["long"] == "true",
			IncludeMeta:  flags["meta"] == "true",
		}, mctx)
		if err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.OutputStructured(records))

	case "stats":
		stats, err := s.core.Memory.Stats(ctx, memory.Layer(flags["layer"]), mctx)
		if err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.OutputStructured(stats))

	case "summarize":
		s.mu.Lock()
		conv := s.conv
		s.mu.Unlock()
		if conv == nil || len(conv.Messages) == 0 {
			return HandlerResult{}, fmt.Errorf("no active conversation to summarize")
		}
		loop := s.chatLoopFor(s.credentials())
		result := loop.End(ctx, conv, mctx.SyncRemote)
		s.send(protocol.OutputStructured(result))

	case "validate":
		if len(positional) < 2 {
			return HandlerResult{}, fmt.Errorf("usage: /memory validate <layer> <record-id>")
		}
		if err := s.core.Memory.Validate(ctx, memory.Layer(positional[0]), positional[1], mctx); err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.Output("Record validated."))

	default:
		return HandlerResult{}, fmt.Errorf("unknown subcommand %q", sub)
	}
	return HandlerResult{Success: true}, nil
}

func cmdTerminal(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if len(args) == 0 || args[0] != "prefs" {
		return HandlerResult{}, fmt.Errorf("usage: /terminal prefs [--key=value ...]")
	}

	flags, _ := parseFlags(args[1:])
	if len(flags) == 0 {
		s.send(protocol.OutputStructured(s.core.Prefs.Read()))
		return HandlerResult{Success: true}, nil
	}

	patch := make(map[string]bool, len(flags))
	for k, v := range flags {
		patch[k] = v == "true" || v == "1" || v == "on"
	}
	updated, err := s.core.Prefs.Update(patch)
	if err != nil {
		return HandlerResult{}, err
	}
	s.send(protocol.OutputStructured(updated))
	return HandlerResult{Success: true}, nil
}

func cmdChatHistory(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
		summaries, err := s.core.History.List()
		if err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.OutputStructured(summaries))

	case "show":
		if len(args) < 2 {
			return HandlerResult{}, fmt.Errorf("usage: /chat-history show <id>")
		}
		conv, err := s.core.History.Load(args[1])
		if err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.OutputStructured(conv))

	case "export":
		if len(args) < 2 {
			return HandlerResult{}, fmt.Errorf("usage: /chat-history export <id>")
		}
		doc, err := s.core.History.Export(args[1])
		if err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.DownloadFile("conversation-"+args[1]+".md", doc))

	case "clear":
		id := ""
		if len(args) > 1 {
			id = args[1]
		}
		if err := s.core.History.Clear(id); err != nil {
			return HandlerResult{}, err
		}
		s.send(protocol.Output("Chat history cleared."))

	default:
		return HandlerResult{}, fmt.Errorf("unknown subcommand %q", sub)
	}
	return HandlerResult{Success: true}, nil
}

func cmdLogin(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return HandlerResult{}, fmt.Errorf("usage: /login <user>")
	}
	user := strings.TrimSpace(args[0])

	searchKey, err := s.RequestPrompt(ctx, fmt.Sprintf("Search API key for %s (blank keeps current)", user), true, nil)
	if err != nil {
		return HandlerResult{}, err
	}
	llmKey, err := s.RequestPrompt(ctx, fmt.Sprintf("LLM API key for %s (blank keeps current)", user), true, nil)
	if err != nil {
		return HandlerResult{}, err
	}

	s.mu.Lock()
	s.user = user
	s.authenticated = true
	if searchKey != "" {
		s.creds.Search = searchKey
	}
	if llmKey != "" {
		s.creds.LLM = llmKey
	}
	s.mu.Unlock()

	s.send(protocol.Output(fmt.Sprintf("Logged in as %s.", user)))
	return HandlerResult{Success: true}, nil
}

func cmdHelp(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	s.send(protocol.Output(strings.TrimSpace(`
Commands:
  /research [topic]                start a research run
  /chat [list|get|set|reset|exit]  enter chat mode or manage personas
  /status                          credential and subsystem health
  /memory store|recall|stats|summarize|validate
  /terminal prefs [--key=value]    read or write preferences
  /chat-history list|show|export|clear
  /login <user>                    set credentials via masked prompt
  /exit                            close the session
`)))
	return HandlerResult{Success: true}, nil
}

func cmdExit(ctx context.Context, s *Session, args []string) (HandlerResult, error) {
	if s.Mode() == ModeChat {
		s.exitChat()
		return HandlerResult{Success: true}, nil
	}
	s.send(protocol.Output("Goodbye."))
	s.Close("client exit")
	return HandlerResult{Success: true, KeepDisabled: true}, nil
}

// parseFlags splits --key=value arguments from positional ones. A bare
// --key is treated as --key=true.
func parseFlags(args []string) (flags map[string]string, positional []string) {
	flags = make(map[string]string)
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			positional = append(positional, a)
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(a, "--"), "=", 2)
		if len(kv) == 2 {
			flags[kv[0]] = kv[1]
		} else {
			flags[kv[0]] = "true"
		}
	}
	return flags, positional
}
