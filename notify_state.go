package main

import "time"

type notificationKind string

const (
	notifyPrintComplete notificationKind = "print_complete"
	notifyPrinterCooled notificationKind = "printer_cooled"
)

// NotificationEvent is one fired user-facing notification.
type NotificationEvent struct {
	Kind      notificationKind `json:"kind"`
	ContextID string           `json:"context_id"`
	Printer   string           `json:"printer"`
	JobName   string           `json:"job_name,omitempty"`
	BedTemp   float64          `json:"bed_temp,omitempty"`
	FiredAt   time.Time        `json:"fired_at"`
}

func (e NotificationEvent) title() string {
	switch e.Kind {
	case notifyPrintComplete:
		return "Print complete"
	case notifyPrinterCooled:
		return "Printer cooled down"
	}
	return "Printer notification"
}

func (e NotificationEvent) body() string {
	switch e.Kind {
	case notifyPrintComplete:
		if e.JobName != "" {
			return e.Printer + " finished " + e.JobName
		}
		return e.Printer + " finished its print"
	case notifyPrinterCooled:
		return e.Printer + " bed has cooled; the plate is safe to remove"
	}
	return e.Printer
}

// notifyState is the per-printer dedup machine. completeNotified and
// cooledNotified latch once their notification fires and stay latched until
// the printer re-enters a working state, which re-arms both. awaitingCool is
// set only by a completion, so a printer that idles below the threshold
// without ever finishing a job never produces a cooled notification.
type notifyState struct {
	lastState        PrinterState
	completeNotified bool
	cooledNotified   bool
	awaitingCool     bool
}

// observe advances the machine with one poll snapshot and returns the kinds
// that should fire now. Enablement and threshold come from the caller so the
// machine itself stays config-free.
func (n *notifyState) observe(snap StatusSnapshot, cooledThreshold float64) []notificationKind {
	var fire []notificationKind

	if snap.State.isWorkingState() && !n.lastState.isWorkingState() {
		// New job started: re-arm everything.
		n.completeNotified = false
		n.cooledNotified = false
		n.awaitingCool = false
	}

	switch {
	case snap.State == StateCompleted:
		if !n.completeNotified {
			n.completeNotified = true
			n.awaitingCool = true
			fire = append(fire, notifyPrintComplete)
		}
	case snap.State.isTriggerState():
		// Cancelled or errored: terminal without a finished print, so
		// nothing fires and cooling is not awaited.
		n.awaitingCool = false
	}

	if n.awaitingCool && !n.cooledNotified && snap.BedTemp <= cooledThreshold {
		n.cooledNotified = true
		n.awaitingCool = false
		fire = append(fire, notifyPrinterCooled)
	}

	n.lastState = snap.State
	return fire
}
