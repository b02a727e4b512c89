package device

import (
	"errors"
	"fmt"
)

// Topology owns every device in a dataplane instance and starts/stops
// them as a unit (spec section 3 "Device": "started (which starts each
// worker thread); stopped in reverse order").
type Topology struct {
	Devices []*Device
}

// StartFunc starts one worker's goroutine; supplied by the dataplane
// package, which owns the worker loop itself. Topology only sequences
// calls to it in device order.
type StartFunc func(w *Worker) error

// StopFunc stops one worker's goroutine and waits for it to return.
type StopFunc func(w *Worker) error

// Start initializes every device's port and queues, then starts every
// worker via start, in device order. If a device fails to initialize or
// a worker fails to start, startup aborts and Start returns the error;
// workers it already started are left running, since Start has no
// StopFunc to stop them with (spec section 7: "Driver init/queue/MTU failure: device marked
// failed; startup aborts").
func (t *Topology) Start(start StartFunc) error {
	started := make([]*Device, 0, len(t.Devices))
	for _, d := range t.Devices {
		if err := d.Init(); err != nil {
			_ = stopDevices(started, func(w *Worker) error { return nil })
			return err
		}
		for _, w := range d.Workers {
			if err := start(w); err != nil {
				_ = stopDevices(started, func(w *Worker) error { return nil })
				return fmt.Errorf("device %d: start worker queue %d: %w", d.ID, w.QueueID, err)
			}
		}
		started = append(started, d)
	}
	return nil
}

// Stop stops every device's workers via stop, in the reverse of start
// order (spec section 3 "Device": "stopped in reverse order").
func (t *Topology) Stop(stop StopFunc) error {
	return stopDevices(t.Devices, stop)
}

func stopDevices(devices []*Device, stop StopFunc) error {
	var errs error
	for i := len(devices) - 1; i >= 0; i-- {
		d := devices[i]
		for j := len(d.Workers) - 1; j >= 0; j-- {
			if err := stop(d.Workers[j]); err != nil {
				errs = errors.Join(errs, fmt.Errorf("device %d worker %d: %w", d.ID, d.Workers[j].QueueID, err))
			}
		}
	}
	return errs
}
