package faultline

import (
	"golang.org/x/sys/unix"
)

// TerminateExitCode is the exit status used by StderrSink, the same status a process killed
// by SIGABRT reports to a shell
const TerminateExitCode = 134

// Sink receives the allocator's fault reports. The allocator's own memory may be in an
// inconsistent state when a Sink is called, so implementations must not allocate through the
// allocator that reported the fault.
type Sink interface {
	// Report writes a diagnostic message
	Report(message string)
	// ReportAndTerminate writes a diagnostic message and ends the process. If it returns, the
	// allocator panics with the fault instead.
	ReportAndTerminate(message string)
}

// StderrSink writes reports directly to a file descriptor with write(2), bypassing any
// buffering, and terminates with exit(2).
type StderrSink struct {
	fd       int
	exitCode int
}

var _ Sink = &StderrSink{}

func NewStderrSink() *StderrSink {
	return &StderrSink{
		fd:       unix.Stderr,
		exitCode: TerminateExitCode,
	}
}

func (s *StderrSink) Report(message string) {
	data := make([]byte, 0, len(message)+1)
	data = append(data, message...)
	data = append(data, '\n')

	for len(data) > 0 {
		n, err := unix.Write(s.fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
		data = data[n:]
	}
}

func (s *StderrSink) ReportAndTerminate(message string) {
	s.Report(message)
	unix.Exit(s.exitCode)
}
