//go:build !unix

package postgres

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
