// Package fathom provides an interactive deep-research terminal.
//
// Fathom runs a session server that clients connect to over a JSON-framed
// websocket protocol. Sessions expose slash commands for launching research
// runs, chatting with a persona, and managing layered memory. The research
// orchestrator walks a depth/breadth tree of search, extraction, and
// follow-up expansion under time and token budgets, then synthesizes a
// Markdown report with cited sources.
//
// # Quick Start
//
// Install:
//
//	go install github.com/fathomlabs/fathom/cmd/fathom@latest
//
// Provide credentials:
//
//	export SEARCH_API_KEY=...
//	export LLM_API_KEY=...
//
// Start the server and connect a terminal:
//
//	fathom serve
//	fathom connect --addr 127.0.0.1:7171
//
// Or run a single topic without a server:
//
//	fathom research "solid-state battery manufacturing" --depth 2 --breadth 3
//
// # Packages
//
// The implementation lives under pkg/:
//
//   - pkg/research: the orchestrator and run registry
//   - pkg/session, pkg/protocol, pkg/server: sessions, wire frames, transport
//   - pkg/memory: working/episodic/semantic memory with remote-sync fallback
//   - pkg/search, pkg/llms: rate-limited provider clients
//   - pkg/chat, pkg/history: persona chat loop and conversation persistence
//   - pkg/persona, pkg/prefs, pkg/config: persisted settings
package fathom
