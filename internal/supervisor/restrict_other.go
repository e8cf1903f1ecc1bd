//go:build !openbsd && !linux

package supervisor

func restrict() error { return nil }
