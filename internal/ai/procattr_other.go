//go:build !unix

package ai

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
