package start

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/caesium-cloud/quarry/api"
	"github.com/caesium-cloud/quarry/internal/allocation"
	"github.com/caesium-cloud/quarry/internal/build"
	"github.com/caesium-cloud/quarry/internal/buildstep"
	"github.com/caesium-cloud/quarry/internal/event"
	"github.com/caesium-cloud/quarry/internal/executor"
	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/snapshot"
	"github.com/caesium-cloud/quarry/internal/stepsync"
	"github.com/caesium-cloud/quarry/internal/vcs"
	"github.com/caesium-cloud/quarry/pkg/db"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/spf13/cobra"
)

const (
	usage   = "start"
	short   = "Start a quarry instance"
	long    = "This command starts the quarry API and its background tasks"
	example = "quarry start"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"launch", "boot", "up", "run", "begin"},
		Example:    example,
		RunE:       start,
	}
)

func start(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dumps := make(chan os.Signal, 1)
	signal.Notify(dumps, syscall.SIGUSR1)
	defer signal.Stop(dumps)
	go func() {
		for range dumps {
			log.Info("dumping stack traces due to SIGUSR1 signal")
			if profile := pprof.Lookup("goroutine"); profile != nil {
				if err := profile.WriteTo(os.Stdout, 1); err != nil {
					log.Error("write goroutine profile", "error", err)
				}
			}
		}
	}()

	log.Info("migrating database")
	if err := db.Migrate(); err != nil {
		log.Fatal("database migration failure", "error", err)
	}

	metrics.Register()

	vars := env.Variables()
	deps := buildstep.Deps{
		DB:  db.Connection(),
		Bus: event.NewBus(),
		Env: vars,
	}
	snapshots := snapshot.NewService(deps)
	builds := build.NewService(deps, snapshots, vcs.NewFactory(vars.WorkspaceRoot, vcs.AuthFromEnv(vars)))
	allocator := allocation.NewAllocator(deps.DB, deps.Bus)
	exec := executor.New(deps, builds, snapshots, allocator)

	errs := make(chan error, 2)

	go func() {
		log.Info("spinning up api")
		errs <- api.Start(ctx, api.Services{
			Deps:      deps,
			Builds:    builds,
			Snapshots: snapshots,
			Allocator: allocator,
			Syncer:    stepsync.NewSyncer(deps),
		})
	}()

	go func() {
		log.Info("launching background tasks")
		errs <- exec.Start(ctx)
	}()

	// the first component to stop takes the other one down with it
	err := <-errs
	cancel()
	err = errors.Join(err, <-errs)

	log.Info("quarry stopped")
	return err
}
