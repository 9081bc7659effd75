// Package osutils holds small platform probes used at startup.
package osutils

import "runtime"

// Describe summarizes the platform and privilege level for the startup log.
func Describe() map[string]any {
	return map[string]any{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"elevated": IsElevated(),
	}
}
