package energy

import "errors"

var (
	// ErrToolNotFound indicates the configured energy measurement binary
	// does not exist or is not executable.
	ErrToolNotFound = errors.New("energy: measurement tool not found")

	// ErrEnergyTool indicates the privileged measurement subprocess exited
	// non-zero or produced a log that could not be parsed. Fatal for the
	// repetition; retry policy belongs to the caller.
	ErrEnergyTool = errors.New("energy: measurement tool failed")
)
