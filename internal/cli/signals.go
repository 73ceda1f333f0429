package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const signalCommandTimeout = 10 * time.Second

type commandTarget interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// relaySignals turns process signals into group commands until the returned
// function is called
func relaySignals(target commandTarget, logger *zap.Logger) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				relay(target, sig, logger)
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func relay(target commandTarget, sig os.Signal, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), signalCommandTimeout)
	defer cancel()

	logger.Info("Received signal", zap.String("signal", sig.String()))

	var err error
	switch sig {
	case syscall.SIGUSR1:
		err = target.Pause(ctx)
	case syscall.SIGUSR2:
		err = target.Resume(ctx)
	default:
		err = target.Stop(ctx)
	}
	if err != nil {
		logger.Warn("Signal not applied", zap.String("signal", sig.String()), zap.Error(err))
	}
}
