package relay

import (
	"errors"
	"strings"
	"time"
)

// Policy bounds retries after launch failures and unexpected exits.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	// A session that ran at least this long resets the retry counter.
	StableAfter time.Duration
}

// Delay returns the wait before retry n (1-based): Base * 2^(n-1), capped at Max.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < n; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Exhausted reports whether failure number n exceeds the retry ceiling.
func (p Policy) Exhausted(n int) bool { return n > p.MaxRetries }

// ExitClass says whether an ffmpeg failure is worth retrying.
type ExitClass int

const (
	ExitRetryable ExitClass = iota
	ExitFatal
	ExitUnknown
)

func (c ExitClass) String() string {
	switch c {
	case ExitRetryable:
		return "retryable"
	case ExitFatal:
		return "fatal"
	}
	return "unknown"
}

// ClassifyExit looks at the error and the stderr tail ffmpeg left behind.
//
// Fatal: the publish target refused us (bad key, forbidden), the input is
// gone (404, no playable streams) or the binary is missing.
// Retryable: network resets, timeouts, 5xx, broken pipes.
// Anything else is Unknown and still retried.
func ClassifyExit(err error) ExitClass {
	if err == nil {
		return ExitUnknown
	}
	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "500", "502", "503", "504", "connection reset", "timed out", "timeout",
		"broken pipe", "end of file", "i/o error", "connection refused", "network is unreachable"):
		return ExitRetryable
	case containsAny(lower, "401", "403", "forbidden", "unauthorized", "404", "not found",
		"no playable streams", "executable file not found", "invalid argument"):
		return ExitFatal
	}
	var le *LaunchError
	if errors.As(err, &le) && le.Stage == "resolve" {
		return ExitRetryable
	}
	return ExitUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// LaunchError names the stage of a failed start.
type LaunchError struct {
	Stage string // resolve, prepare, spawn, confirm
	Err   error
}

func (e *LaunchError) Error() string { return "relay " + e.Stage + ": " + e.Err.Error() }

func (e *LaunchError) Unwrap() []error { return []error{ErrLaunchFailure, e.Err} }
