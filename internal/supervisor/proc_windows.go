//go:build windows

package supervisor

import "os/exec"

func setProcAttrs(cmd *exec.Cmd) {}

func signalTerm(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func signalKill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
