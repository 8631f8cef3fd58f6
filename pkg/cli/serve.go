package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fathomlabs/fathom/pkg/logger"
	"github.com/fathomlabs/fathom/pkg/server"
	"github.com/fathomlabs/fathom/pkg/session"
)

// ServeCmd runs the session server until interrupted.
type ServeCmd struct {
	Listen string `help:"Listen address, overrides config." placeholder:"HOST:PORT"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := setup(g)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.ListenAddr = c.Listen
	}

	log := logger.GetLogger()
	core := session.NewCore(cfg, log)
	srv := server.New(cfg, core, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
