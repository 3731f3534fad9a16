package worker

import (
	"context"
	"errors"
)

// ErrShuttingDown names the state in which the dispatcher has exited its
// loop and no longer accepts control messages. The methods in this file do
// not return it: once the loop has exited, a call waits until ctx is done
// and returns ctx.Err().
var ErrShuttingDown = errors.New("worker: dispatcher is not accepting control messages")

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	select {
	case d.control <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessNow asks the dispatcher to start up to the configured batch size
// of jobs immediately, returning how many it actually started.
func (d *Dispatcher) ProcessNow(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := d.send(ctx, ProcessNowMsg{Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CancelDocument aborts a running job for documentID if present and removes
// its queue entry, reporting whether a running job was found.
func (d *Dispatcher) CancelDocument(ctx context.Context, documentID string) (bool, error) {
	reply := make(chan bool, 1)
	if err := d.send(ctx, CancelDocumentMsg{DocumentID: documentID, Reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// UpdatePriority delegates a priority change to the queue repository.
func (d *Dispatcher) UpdatePriority(ctx context.Context, documentID string, priority int) error {
	reply := make(chan error, 1)
	if err := d.send(ctx, UpdatePriorityMsg{DocumentID: documentID, Priority: priority, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns a snapshot of the dispatcher's current state.
func (d *Dispatcher) GetStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := d.send(ctx, GetStatusMsg{Reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// GetIOSStatus is the host-facing alias spec.md §4.E lists separately from
// GetStatus; both return the same snapshot shape.
func (d *Dispatcher) GetIOSStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := d.send(ctx, GetIOSStatusMsg{Reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// SetMaxConcurrency overrides the configured max concurrency.
func (d *Dispatcher) SetMaxConcurrency(ctx context.Context, n int) error {
	return d.sendAck(ctx, SetMaxConcurrencyMsg{N: n, Reply: make(chan struct{}, 1)})
}

// UpdateIOSState reports new device signals and lets the dispatcher
// auto-adjust its pause state.
func (d *Dispatcher) UpdateIOSState(ctx context.Context, battery float64, charging bool, thermal ThermalState, appState AppState, memoryMB int) error {
	return d.sendAck(ctx, UpdateIOSStateMsg{Battery: battery, Charging: charging, Thermal: thermal, AppState: appState, MemoryMB: memoryMB, Reply: make(chan struct{}, 1)})
}

// HandleMemoryPressure reports a host memory-pressure level.
func (d *Dispatcher) HandleMemoryPressure(ctx context.Context, level MemoryPressureLevel) error {
	return d.sendAck(ctx, HandleMemoryPressureMsg{Level: level, Reply: make(chan struct{}, 1)})
}

// SetPaused pauses or unpauses the worker with an explanatory reason.
func (d *Dispatcher) SetPaused(ctx context.Context, paused bool, reason string) error {
	return d.sendAck(ctx, SetPausedMsg{Paused: paused, Reason: reason, Reply: make(chan struct{}, 1)})
}

// HandleBackgroundTaskExtension reports remaining background-execution
// seconds granted by the host OS.
func (d *Dispatcher) HandleBackgroundTaskExtension(ctx context.Context, remainingSeconds int) error {
	return d.sendAck(ctx, HandleBackgroundTaskExtensionMsg{RemainingSeconds: remainingSeconds, Reply: make(chan struct{}, 1)})
}

// HandleContentVisibility reports whether the host UI is currently visible.
func (d *Dispatcher) HandleContentVisibility(ctx context.Context, visible bool) error {
	return d.sendAck(ctx, HandleContentVisibilityMsg{Visible: visible, Reply: make(chan struct{}, 1)})
}

// HandleAppLifecycleEvent reports a host application lifecycle transition.
func (d *Dispatcher) HandleAppLifecycleEvent(ctx context.Context, event AppLifecycleEvent) error {
	return d.sendAck(ctx, HandleAppLifecycleEventMsg{Event: event, Reply: make(chan struct{}, 1)})
}

// Shutdown asks the dispatcher to stop; it aborts all active jobs and
// returns once the dispatcher has acknowledged.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := d.send(ctx, ShutdownMsg{Reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendAck is the common pattern for messages whose reply is just an
// acknowledgement.
func (d *Dispatcher) sendAck(ctx context.Context, msg Message) error {
	if err := d.send(ctx, msg); err != nil {
		return err
	}
	var reply chan struct{}
	switch m := msg.(type) {
	case SetMaxConcurrencyMsg:
		reply = m.Reply
	case UpdateIOSStateMsg:
		reply = m.Reply
	case HandleMemoryPressureMsg:
		reply = m.Reply
	case SetPausedMsg:
		reply = m.Reply
	case HandleBackgroundTaskExtensionMsg:
		reply = m.Reply
	case HandleContentVisibilityMsg:
		reply = m.Reply
	case HandleAppLifecycleEventMsg:
		reply = m.Reply
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
