package faultline_test

import (
	"runtime/debug"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/faultline/faultline"
)

// recordingSink keeps every report and returns, so faults surface as panics in tests
type recordingSink struct {
	reports []string
}

func (s *recordingSink) Report(message string) {
	s.reports = append(s.reports, message)
}

func (s *recordingSink) ReportAndTerminate(message string) {
	s.reports = append(s.reports, message)
}

func readyAllocator(t *testing.T, options faultline.CreateOptions) (*faultline.Allocator, *recordingSink) {
	sink := &recordingSink{}
	options.Sink = sink

	return faultline.New(nil, options), sink
}

func requireFault(t *testing.T, sink *recordingSink, target error, f func()) {
	t.Helper()

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected the allocator to report a fault")

		err, ok := r.(error)
		require.True(t, ok, "expected an error, got %v", r)
		require.True(t, errors.Is(err, target), "expected %v, got %v", target, err)
		require.NotEmpty(t, sink.reports)
		require.Equal(t, err.Error(), sink.reports[len(sink.reports)-1])
	}()

	f()
}

func requireAccessFault(t *testing.T, f func()) {
	t.Helper()

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	require.Panics(t, f)
}

func requireAccessible(t *testing.T, f func()) {
	t.Helper()

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	require.NotPanics(t, f)
}

func writeByte(ptr unsafe.Pointer, offset int, value byte) {
	*(*byte)(unsafe.Add(ptr, offset)) = value
}

// sinkByte keeps loads inside fault closures from being discarded
var sinkByte byte

func readByte(ptr unsafe.Pointer, offset int) byte {
	return *(*byte)(unsafe.Add(ptr, offset))
}
