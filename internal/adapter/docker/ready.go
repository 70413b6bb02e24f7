package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
)

const readyPollInterval = time.Second

// WaitReady blocks until the daemon answers a ping. Connection failures are
// retried; any other ping error is returned.
func WaitReady(ctx context.Context, cli *client.Client) error {
	log := slog.With("component", "docker", "host", cli.DaemonHost())
	if _, err := cli.Ping(ctx); err == nil {
		return nil
	} else if !client.IsErrConnectionFailed(err) {
		return fmt.Errorf("connect to docker daemon: %w", err)
	}

	log.Info("waiting for docker daemon")
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		_, err := cli.Ping(ctx)
		if err == nil {
			log.Info("docker daemon reachable")
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
	}
}
