package env

import (
	"fmt"
	"time"

	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for quarry.
func Process() error {
	if err := envconfig.Process("quarry", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	if err := log.SetLevelFromString(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return errors.Wrap(variables.validate(), "invalid environment")
}

func (e *Environment) validate() error {
	switch e.DatabaseType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", e.DatabaseType)
	}
	if e.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max concurrent tasks must be positive, got %d", e.MaxConcurrentTasks)
	}
	if e.TaskMaxAttempts < 1 {
		return fmt.Errorf("task max attempts must be positive, got %d", e.TaskMaxAttempts)
	}
	if e.TaskRetryDelay < 0 {
		return fmt.Errorf("task retry delay must not be negative, got %s", e.TaskRetryDelay)
	}
	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by quarry.
type Environment struct {
	LogLevel     string `default:"info"`
	Port         int    `default:"8080"`
	DatabaseType string `default:"postgres"`
	DatabaseDSN  string `default:"host=postgres user=postgres password=postgres dbname=quarry port=5432 sslmode=disable"`

	// BaseURI is handed to worker agents as the API server they report to.
	BaseURI        string `default:"http://localhost:8080/v1/"`
	ArtifactBucket string `default:""`
	DefaultAdapter string `default:"basic"`
	DefaultRelease string `default:"trusty"`
	PreLaunch      string `default:""`
	PostLaunch     string `default:""`

	SelectiveTestingEnabled bool `default:"true"`

	WorkspaceRoot string `default:"/var/lib/quarry/repos"`

	// Credentials used by the git backend when mirroring repositories.
	GitUsername       string `default:""`
	GitPassword       string `default:""`
	GitSSHKeyPath     string `default:""`
	GitSSHPassphrase  string `default:""`
	GitKnownHostsPath string `default:""`

	PollSchedule       string        `default:"* * * * *"`
	SnapshotGCSchedule string        `default:"*/15 * * * *"`
	RedispatchSchedule string        `default:"* * * * *"`
	TaskRetryDelay     time.Duration `default:"5s"`
	TaskMaxAttempts    int           `default:"5"`
	MaxConcurrentTasks int           `default:"4"`
	MaxInfraFailures   int           `default:"3"`
}
