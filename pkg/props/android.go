package props

import (
	"context"
	"time"

	"github.com/ContainerDroid/android-vendor-cm/internal/execx"
)

// AndroidStore talks to the Android property service through the
// getprop/setprop utilities.
type AndroidStore struct {
	runner execx.Runner

	// PollInterval controls WaitFor polling. getprop has no change
	// notification from a shell context, so WaitFor polls.
	PollInterval time.Duration
}

// NewAndroidStore creates a Store backed by getprop/setprop.
func NewAndroidStore(runner execx.Runner) *AndroidStore {
	return &AndroidStore{
		runner:       runner,
		PollInterval: time.Second,
	}
}

// Get implements Store.
func (a *AndroidStore) Get(name string) (string, error) {
	return a.runner.Run(context.Background(), "getprop", name)
}

// Set implements Store.
func (a *AndroidStore) Set(name, value string) error {
	_, err := a.runner.Run(context.Background(), "setprop", name, value)
	return err
}

// WaitFor implements Store by polling getprop.
func (a *AndroidStore) WaitFor(ctx context.Context, name, want string) error {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		got, err := a.Get(name)
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
