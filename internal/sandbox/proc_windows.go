//go:build windows

package sandbox

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func shellCommand(command string) (string, []string) {
	return "cmd.exe", []string{"/c", command}
}

func scriptedShellSupported() bool {
	return false
}
