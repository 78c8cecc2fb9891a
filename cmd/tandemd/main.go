package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/tandem/internal/daemon"
	"github.com/matheus3301/tandem/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	socket := flag.String("socket", "", "API socket path (default: inside the session directory)")
	health := flag.String("health-socket", "", "gRPC health socket path (default: inside the session directory)")
	verbose := flag.Bool("verbose", false, "debug logging, including dependency wiring")
	startTimeout := flag.Duration("start-timeout", 30*time.Second, "give up if startup takes longer")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	opts := []fx.Option{
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Verbose:     *verbose,
			SocketPath:  *socket,
			HealthPath:  *health,
		}),
		fx.StartTimeout(*startTimeout),
	}
	if *verbose {
		opts = append(opts, fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}))
	} else {
		opts = append(opts, fx.NopLogger)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "tandemd: %v\n", err)
		os.Exit(1)
	}
	app.Run()
}
