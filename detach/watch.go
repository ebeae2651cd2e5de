// SPDX-License-Identifier: GPL-2.0-only

package detach

import (
	"context"
	baseerrors "errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/katana-audio/katana-detach/sysfs"
)

// Watcher re-runs the detacher on an interval, so the device is released
// again whenever it reappears (replug, resume) with the stock driver bound.
type Watcher struct {
	detacher *Detacher
	spec     Spec
	interval time.Duration

	// rebindOnExit restores the original drivers when the watcher stops.
	rebindOnExit bool

	logger log.Logger
}

func NewWatcher(detacher *Detacher, spec Spec, interval time.Duration, rebindOnExit bool, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Watcher{
		detacher:     detacher,
		spec:         spec,
		interval:     interval,
		rebindOnExit: rebindOnExit,
		logger:       logger,
	}
}

// Run polls until the context is cancelled. An absent device or an already
// released interface is the steady state here, not a failure.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.detacher.Run(w.spec)
		switch {
		case err == nil:
		case baseerrors.Is(err, sysfs.ErrDeviceNotFound):
			_ = level.Debug(w.logger).Log("msg", "device not present", "err", err)
		case baseerrors.Is(err, sysfs.ErrDriverNotAttached):
			_ = level.Debug(w.logger).Log("msg", "device already released", "err", err)
		default:
			_ = level.Warn(w.logger).Log("msg", "detach run failed; will retry", "err", err)
		}

		select {
		case <-ctx.Done():
			if w.rebindOnExit {
				if err := w.detacher.Rebind(w.spec); err != nil {
					_ = level.Warn(w.logger).Log("msg", "failed to restore kernel drivers", "err", err)
				}
			}
			return nil
		case <-time.After(w.interval):
		}
	}
}
