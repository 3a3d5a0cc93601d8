package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrAlreadyRunning) {
//	    // the job is already active on this unit
//	}
var (
	// ErrConfiguration is returned when settings are missing or out of
	// range. The job never starts.
	ErrConfiguration = errors.New("automation: configuration error")

	// ErrInitializationFailed is returned when a job cannot subscribe or
	// seed its state within the init timeout. The job terminates.
	ErrInitializationFailed = errors.New("automation: initialization failed")

	// ErrAlreadyRunning is returned when starting a job name that is
	// already active on this unit.
	ErrAlreadyRunning = errors.New("automation: already running")

	// ErrMissedTick marks a control tick that could not complete.
	ErrMissedTick = errors.New("automation: missed tick")

	// ErrJobNotFound is returned for unknown job names.
	ErrJobNotFound = errors.New("automation: job not found")

	// ErrUnknownSetting is returned for settings a job does not declare.
	ErrUnknownSetting = errors.New("automation: unknown setting")

	// ErrInvalidSetting is returned for setting values that fail validation.
	ErrInvalidSetting = errors.New("automation: invalid setting value")

	// ErrInvalidJobName is returned for reserved or malformed job names.
	ErrInvalidJobName = errors.New("automation: invalid job name")

	// ErrInvalidTransition is returned for lifecycle requests the current
	// state does not allow.
	ErrInvalidTransition = errors.New("automation: invalid state transition")

	// ErrTerminated is returned for operations on a stopped job.
	ErrTerminated = errors.New("automation: job terminated")
)
