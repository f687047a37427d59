package instacache

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/1mb-dev/instacache-go/internal/store"
)

var (
	// ErrSuperseded is the cancellation cause of a load replaced by a newer
	// load for the same key. Producers can observe it with context.Cause.
	ErrSuperseded = errors.New("instacache: load superseded")

	// ErrNilProducer is returned when Load is called without a producer
	ErrNilProducer = errors.New("instacache: nil producer")

	// ErrClosed is returned by operations on a closed cache
	ErrClosed = errors.New("instacache: cache closed")

	// ErrStoreUnavailable is wrapped by backends that cannot reach storage
	ErrStoreUnavailable = store.ErrUnavailable
)

// StoreError reports a backend failure. The cache treats it as a miss.
type StoreError = store.Error

// ProducerError is returned by Load when the producer fails for any reason
// other than cancellation
type ProducerError struct {
	Key string
	Err error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("instacache: producer for %q failed: %v", e.Key, e.Err)
}

func (e *ProducerError) Unwrap() error {
	return e.Err
}

// RevalidationError reports a failed background refresh. It is delivered to
// the error sink only; the previously served value stays authoritative.
type RevalidationError struct {
	Key string
	Err error
}

func (e *RevalidationError) Error() string {
	return fmt.Sprintf("instacache: revalidation of %q failed: %v", e.Key, e.Err)
}

func (e *RevalidationError) Unwrap() error {
	return e.Err
}

// PrefetchError reports a failed speculative fetch
type PrefetchError struct {
	Key string
	Err error
}

func (e *PrefetchError) Error() string {
	return fmt.Sprintf("instacache: prefetch of %q failed: %v", e.Key, e.Err)
}

func (e *PrefetchError) Unwrap() error {
	return e.Err
}

// ErrorSink receives failures from background work
type ErrorSink func(err error)

// LogErrorSink logs background failures with glog
func LogErrorSink(err error) {
	glog.Errorf("%v", err)
}
