// Package health exposes liveness and readiness endpoints for shared memory buffers and
// transports.
package health

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// Check is one named health check.
type Check struct {
	Name string
	// Liveness checks failing mean the process should be restarted; the others only
	// take it out of rotation.
	Liveness bool
	Fn       healthcheck.Check
}

// Looper is implemented by shm.Buffer and transport.Local.
type Looper interface {
	Err() error
	Closed() bool
}

var errClosed = errors.New("closed")

// NewHandler returns a handler serving /live and /ready for checks.
func NewHandler(checks ...Check) healthcheck.Handler {
	return register(healthcheck.NewHandler(), checks)
}

// NewMetricsHandler is NewHandler that also exports every check status to reg.
func NewMetricsHandler(reg prometheus.Registerer, namespace string, checks ...Check) healthcheck.Handler {
	return register(healthcheck.NewMetricsHandler(reg, namespace), checks)
}

func register(h healthcheck.Handler, checks []Check) healthcheck.Handler {
	for _, c := range checks {
		if c.Liveness {
			h.AddLivenessCheck(c.Name, c.Fn)
		} else {
			h.AddReadinessCheck(c.Name, c.Fn)
		}
	}
	return h
}

// BufferCheck fails once l is closed or its consumer loop stopped on an error.
func BufferCheck(name string, l Looper) Check {
	return Check{
		Name:     name,
		Liveness: true,
		Fn: func() error {
			if l.Closed() {
				return errClosed
			}
			if err := l.Err(); err != nil {
				return fmt.Errorf("consumer stopped: %w", err)
			}
			return nil
		},
	}
}

// SpaceCheck fails while the filesystem holding dir has less than min bytes free.
func SpaceCheck(dir string, min uint64) Check {
	return Check{
		Name: "space:" + dir,
		Fn: func() error {
			free, err := internalshm.FreeSpace(dir)
			if err != nil {
				return err
			}
			if free < min {
				return fmt.Errorf("%s free on %s, want %s", humanize.IBytes(free), dir, humanize.IBytes(min))
			}
			return nil
		},
	}
}
