//go:build darwin

package main

import "ianus-tunnel/internal/splittunnel"

func newPIDResolver() splittunnel.PIDResolver { return splittunnel.NewDarwinResolver() }
