package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/marketsync/pkg/errors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := errors.New(errors.ErrorTypeValidation, "unrecognized update frequency").
		WithDetail("frequency", "fortnightly")

	fmt.Println(err.Error())

	// Output:
	// validation: unrecognized update frequency
}

// ExampleWrap shows how wrapping keeps the cause reachable.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeTransientNetwork, "fetch batch").
		WithDetail("asset_id", "asset-1")

	if errors.IsType(err, errors.ErrorTypeTransientNetwork) {
		fmt.Println("transient")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("cause preserved")
	}

	// Output:
	// transient
	// cause preserved
}

// ExampleIsRetryable shows which error types the job queue retries.
func ExampleIsRetryable() {
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeTransientNetwork, "timeout")))
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeConflict, "sync state exists")))
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeValidation, "bad terms")))
	fmt.Println(errors.IsRetryable(io.EOF))

	// Output:
	// true
	// false
	// false
	// true
}
