package scheduler

import "errors"

var (
	// ErrJobAlreadyRunning is returned when another replica holds the job lock
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrUnknownJob is returned for job names the scheduler does not run
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobNotFound is returned when no run has been recorded for a job
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
