package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/logger"
	"github.com/fathomlabs/fathom/pkg/research"
	"github.com/fathomlabs/fathom/pkg/search"
	"github.com/fathomlabs/fathom/pkg/telemetry"
)

// ResearchCmd runs one research topic end to end and prints the report.
type ResearchCmd struct {
	Topic   []string `arg:"" help:"Research topic."`
	Depth   int      `help:"Expansion depth (1-6)." default:"0"`
	Breadth int      `help:"Queries per depth level (1-6)." default:"0"`
	Out     string   `help:"Write the report to this file instead of stdout." type:"path"`
	Quiet   bool     `help:"Suppress progress output." short:"q"`
}

func (c *ResearchCmd) Run(g *Globals) error {
	cfg, err := setup(g)
	if err != nil {
		return err
	}

	topic := strings.TrimSpace(strings.Join(c.Topic, " "))
	if topic == "" {
		return research.ErrTopicRequired
	}

	var tel telemetry.Telemetry = telemetry.Nop{}
	if !c.Quiet {
		tel = &consoleTelemetry{}
	}
	waiting := func(provider string) func(delay time.Duration, attempt int) {
		return func(delay time.Duration, attempt int) {
			tel.EmitStatus(telemetry.Status{
				Stage:   telemetry.StageWaiting,
				Message: fmt.Sprintf("%s provider rate limited, retrying in %s", provider, delay.Round(timeRound)),
			})
		}
	}

	sp, err := search.NewClient(cfg.Search, search.WithWaitHook(waiting("search")))
	if err != nil {
		return err
	}
	llm := llms.NewClient(cfg.LLM, llms.WithWaitHook(waiting("llm")))

	engine := research.NewEngine(sp, llm, cfg.Credentials(), cfg.Research, logger.GetLogger())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := engine.Run(ctx, research.Request{
		Topic:     topic,
		Depth:     c.Depth,
		Breadth:   c.Breadth,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	report := result.Summary
	if len(result.Sources) > 0 {
		report += "\n\n## Sources\n\n"
		for _, s := range result.Sources {
			report += "- " + s + "\n"
		}
	}

	if c.Out != "" {
		if err := os.WriteFile(c.Out, []byte(report), 0644); err != nil {
			return err
		}
		fmt.Println("Report written to", c.Out)
	} else {
		fmt.Println(report)
	}

	if !result.Success {
		return fmt.Errorf("research %s", result.Error)
	}
	return nil
}

// consoleTelemetry renders run events for the one-shot command.
type consoleTelemetry struct{}

const timeRound = 100 * time.Millisecond

var (
	stageColor   = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	thoughtColor = color.New(color.FgHiBlack)
)

func (t *consoleTelemetry) EmitStatus(s telemetry.Status) {
	c := stageColor
	if s.Stage == telemetry.StageWarning || s.Stage == telemetry.StageWaiting || s.Stage == telemetry.StageFailed {
		c = warnColor
	}
	c.Fprintf(os.Stderr, "[%s] %s\n", s.Stage, s.Message)
}

func (t *consoleTelemetry) EmitProgress(p telemetry.Progress) {
	fmt.Fprintf(os.Stderr, "  depth %d/%d  queries %d/%d  %d%%\n",
		p.CurrentDepth, p.TotalDepth, p.CompletedQueries, p.TotalQueries, p.Percent)
}

func (t *consoleTelemetry) EmitThought(th telemetry.Thought) {
	thoughtColor.Fprintf(os.Stderr, "  · %s\n", th.Text)
}

func (t *consoleTelemetry) EmitComplete(c telemetry.Complete) {
	fmt.Fprintf(os.Stderr, "done: %d learnings, %d sources (%s)\n",
		c.LearningCount, c.SourceCount, c.Duration.Round(timeRound))
}

// StatusCmd prints credential and subsystem health without a server.
type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, err := setup(g)
	if err != nil {
		return err
	}

	state := func(key string) string {
		if key == "" {
			return color.RedString("missing")
		}
		return color.GreenString("configured")
	}
	remote := "disabled"
	if cfg.Memory.RemoteSync {
		remote = "enabled"
	}

	fmt.Println("search credential:", state(cfg.Search.APIKey))
	fmt.Println("llm credential:   ", state(cfg.LLM.APIKey))
	fmt.Println("remote sync:      ", remote)
	fmt.Println("model:            ", cfg.LLM.Model)
	fmt.Println("storage dir:      ", cfg.StorageDir)
	return nil
}
