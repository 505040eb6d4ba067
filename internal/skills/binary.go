package skills

import "os/exec"

// lookPath probes $PATH for a required binary, matching
// clawdhub_loader.go's checkRequirements bins check.
func lookPath(name string) (string, error) {
	return exec.LookPath(name)
}
