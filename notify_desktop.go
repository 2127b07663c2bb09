package main

import "github.com/gen2brain/beeep"

// desktopSink shows fired notifications as native desktop toasts.
type desktopSink struct{}

func (desktopSink) name() string { return "desktop" }

func (desktopSink) deliver(evt NotificationEvent) error {
	return beeep.Notify(evt.title(), evt.body(), "")
}
