// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command routerd is flywall/routerd's router daemon: it opens the
// Configuration Repository, binds the Flow-Steering Core to the
// process-wide Map Registry, and reconciles every service kind's
// Service Instances against the repository until it receives a
// termination signal.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/flywall/routerd/internal/app"
)

func main() {
	repoPath := flag.String("repo", "/var/lib/routerd/config.db", "path to the configuration repository sqlite file")
	queryLogPath := flag.String("querylog", "/var/lib/routerd/querylog.db", "path to the DNS query log sqlite file")
	statePath := flag.String("state", "/var/lib/routerd/state.db", "path to the DHCP lease/baseline state sqlite file")
	pinPrefix := flag.String("pin-prefix", "", "bpffs directory the map registry pins named maps under (default: builtin)")
	dockerSocket := flag.String("docker-socket", "", "docker engine API socket (default: DOCKER_HOST or the platform default)")
	reconcileEvery := flag.Duration("reconcile-interval", 10*time.Second, "how often each service kind polls the configuration repository")
	flag.Parse()

	a, err := app.New(app.Config{
		RepoPath:       *repoPath,
		QueryLogPath:   *queryLogPath,
		StatePath:      *statePath,
		PinPrefix:      *pinPrefix,
		DockerSocket:   *dockerSocket,
		ReconcileEvery: *reconcileEvery,
	})
	if err != nil {
		log.Fatalf("routerd: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("routerd: %v", err)
	}
}
