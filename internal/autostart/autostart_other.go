//go:build !windows

package autostart

const runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

func setRunValue(string, string) error { return ErrUnsupported }

func deleteRunValue(string) error { return ErrUnsupported }

func hasRunValue(string) bool { return false }
