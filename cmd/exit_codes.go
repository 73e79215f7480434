package cmd

const (
	// Success is the same as EXIT_SUCCESS in C
	Success = iota

	// BadArgs passed to cli; not our fault.
	BadArgs

	// BadConfig means the config file could not be read or is invalid.
	BadConfig

	// IOFailure means reading or writing an image failed.
	IOFailure

	// UnknownError is an uncategorized error, probably our fault.
	UnknownError
)
