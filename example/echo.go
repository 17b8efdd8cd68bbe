package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Zereker/someip"
)

// echo answers every request of the provided services with its own payload.
type echo struct {
	served atomic.Int64
}

func (e *echo) handle(instance someip.InstanceID, request *someip.Message) (*someip.Message, error) {
	n := e.served.Add(1)
	h := request.Header()
	slog.Debug("echo", "instance", instance, "service", h.ServiceID, "method", h.MethodID, "served", n)

	if h.MessageType == someip.MessageTypeRequestNoReturn {
		return nil, nil
	}
	return someip.NewResponse(request, someip.ReturnCodeOK, request.Body()), nil
}

const defaultConfig = `
address: 127.0.0.1
port: 30509
provided:
  - service: 0x1234
    instance: 0x0001
`

func main() {
	path := flag.String("config", "", "path to the YAML configuration")
	flag.Parse()

	var (
		cfg *someip.Config
		err error
	)
	if *path != "" {
		cfg, err = someip.LoadConfig(*path)
	} else {
		cfg, err = someip.ParseConfig([]byte(defaultConfig))
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closer, err := cfg.Log.NewLogger()
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	daemon, err := someip.NewDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		return
	}

	e := new(echo)
	for _, p := range cfg.Provided {
		daemon.Handle(someip.InstanceID(p.Instance), e.handle)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("someipd start", "address", cfg.Address, "port", cfg.Port)
	if err := daemon.Run(ctx); err != nil {
		logger.Error("daemon error", "error", err)
	}
}
