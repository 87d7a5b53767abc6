//go:build windows

package main

import "os/exec"

// Windows doesn't use Setsid.
func configureDaemonProc(cmd *exec.Cmd) {}
