//go:build windows

package main

import "ianus-tunnel/internal/splittunnel"

func newPIDResolver() splittunnel.PIDResolver { return splittunnel.NewWindowsResolver() }
