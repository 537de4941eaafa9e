package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	procwatch "github.com/procwatch-io/procwatch"
	"github.com/procwatch-io/procwatch/internal/config"
)

func main() {
	app := &cli.App{
		Name:  "procwatch",
		Usage: "print every process exec and exit on this host as it happens",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "cmdline",
				Aliases: []string{"c"},
				Usage:   "print the process command line",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "do not colorize output",
			},
			&cli.StringFlag{
				Name:  "proc-root",
				Usage: "alternative procfs mount point",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if c.Bool("no-color") {
		color.NoColor = true
	}

	opts := []procwatch.Option{procwatch.WithLogger(logger)}
	if c.Bool("cmdline") {
		opts = append(opts, procwatch.WithCmdline())
	}
	if root := firstNonEmpty(c.String("proc-root"), cfg.ProcRoot); root != "" {
		opts = append(opts, procwatch.WithProcFSPath(root))
	}
	if len(cfg.LoaderNames) > 0 {
		opts = append(opts, procwatch.WithLoaderNames(cfg.LoaderNames...))
	}

	events := make(chan procwatch.ResolvedEvent)
	m, err := procwatch.NewMonitor(events, opts...)
	if err != nil {
		return err
	}

	r := newRenderer(os.Stdout)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			r.render(ev)
		}
	}()

	if err := m.Run(ctx); err != nil {
		return startupError(err)
	}
	<-done

	return nil
}

// startupError turns subscription failures into operator-actionable
// messages: "run as root" is a different fix than "rebuild the kernel".
func startupError(err error) error {
	switch {
	case errors.Is(err, procwatch.ErrPermissionDenied):
		return fmt.Errorf("%w\nkernels before 6.6 only deliver process events to root (CAP_NET_ADMIN); re-run with elevated privileges", err)
	case errors.Is(err, procwatch.ErrUnsupportedKernel):
		return fmt.Errorf("%w\nthis kernel appears to be built without CONFIG_PROC_EVENTS", err)
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
