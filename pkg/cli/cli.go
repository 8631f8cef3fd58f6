// Package cli implements the fathom command line: the server, the
// interactive terminal client, and one-shot research invocations.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/logger"
	"github.com/fathomlabs/fathom/pkg/memory"
	"github.com/fathomlabs/fathom/pkg/research"
	"github.com/fathomlabs/fathom/pkg/search"
)

// Exit codes surfaced to the shell.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitCredential = 2
	ExitValidation = 3
	ExitProvider   = 4
)

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Path to YAML config file." type:"path" short:"c"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile  string `help:"Write logs to this file instead of stderr." type:"path"`
}

// CLI is the root kong grammar.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Run the fathom session server."`
	Connect  ConnectCmd  `cmd:"" help:"Connect an interactive terminal to a server."`
	Research ResearchCmd `cmd:"" help:"Run one research topic and print the report."`
	Status   StatusCmd   `cmd:"" help:"Print credential and subsystem health."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

// Run parses arguments and executes the selected command, returning the
// process exit code.
func Run(args []string, version string) int {
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("fathom"),
		kong.Description("Interactive deep-research terminal."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err != nil {
		fmt.Println(err)
		return ExitFailure
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.FatalIfErrorf(err)
		return ExitFailure
	}

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Println("error:", err)
		return exitCode(err)
	}
	return ExitOK
}

// setup loads .env, configuration, and the logger for a command.
func setup(g *Globals) (*config.Config, error) {
	config.LoadDotEnv()

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}

	output := os.Stderr
	if g.LogFile != "" {
		f, _, err := logger.OpenLogFile(g.LogFile)
		if err != nil {
			return nil, err
		}
		output = f
	}
	logger.Init(logger.ParseLevel(cfg.LogLevel), output, cfg.LogFormat)
	return cfg, nil
}

// exitCode maps error taxonomy to shell exit codes.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var credMissing *research.CredentialMissingError
	var validation *memory.ValidationError
	switch {
	case errors.As(err, &credMissing),
		llms.KindOf(err) == llms.KindCredentialMissing,
		search.KindOf(err) == search.KindCredentialMissing:
		return ExitCredential
	case errors.As(err, &validation),
		errors.Is(err, research.ErrTopicRequired),
		errors.Is(err, memory.ErrUserRequired):
		return ExitValidation
	case llms.KindOf(err) != "",
		search.KindOf(err) != "":
		return ExitProvider
	default:
		return ExitFailure
	}
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(g *Globals) error {
	fmt.Println(versionString)
	return nil
}

var versionString = "dev"

// SetVersion records the build version injected by main.
func SetVersion(v string) {
	if v != "" {
		versionString = v
	}
}
