//go:build !windows

package main

import "ianus-tunnel/internal/tstate"

// notifyTransition is a no-op on platforms without a native toast API;
// logTransition already covers these transitions in the daemon's log.
func notifyTransition(t tstate.Transition) {}
