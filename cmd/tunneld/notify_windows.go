//go:build windows

package main

import (
	"log"

	"github.com/go-toast/toast"
	"ianus-tunnel/internal/tstate"
)

const toastAppID = "Ianus Tunnel"

// notifyTransition raises a Windows toast for the transitions a desktop
// user actually cares about: reaching Connected, and landing in Error.
// Connecting/Disconnecting/Disconnected are log-only — a toast per
// intermediate hop would be noise on every reconnect cycle.
func notifyTransition(t tstate.Transition) {
	switch t.Kind {
	case tstate.TransitionConnected:
		push("Tunnel connected", "Traffic is now routed through "+t.TunnelInterface)
	case tstate.TransitionError:
		push("Tunnel blocked", t.Cause.Error())
	}
}

func push(title, message string) {
	n := toast.Notification{
		AppID:   toastAppID,
		Title:   title,
		Message: message,
	}
	if err := n.Push(); err != nil {
		log.Printf("[Core] toast notification failed: %v", err)
	}
}
