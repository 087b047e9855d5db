package gerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"

	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	err := NewErrNotFound("job not found")
	err = err.Wrap(fmt.Errorf("i'm a scary internal error"))
	require.Equal(t, "job not found: i'm a scary internal error", err.Error())
	require.Equal(t, "job not found", err.Message())

	err = err.EDetail("job_id", "job:123")
	require.Equal(t, "job not found [job_id=job:123]: i'm a scary internal error", err.Error())
	require.Equal(t, "job not found", err.Message())

	err = err.Wrap(NewErrValidationFailed("bad source").EDetail("source", "").Wrap(fmt.Errorf("i'm a scary internal error")))
	require.Equal(t, "job not found [job_id=job:123]: bad source [source=]: i'm a scary internal error", err.Error())
	require.Equal(t, "job not found", err.Message())
}

func TestMultiError(t *testing.T) {
	// Compose a multierror with our tested error in the middle
	var results *multierror.Error

	results = multierror.Append(results, fmt.Errorf("error 1: %w", errors.New("1")))
	results = multierror.Append(results, NewErrStepDispatch("failed to dispatch step", errors.New("2")))
	results = multierror.Append(results, fmt.Errorf("error 3: %w", errors.New("3")))

	// Assert that our Is chaining returns an error in the middle of the chain
	err := results.ErrorOrNil()
	require.True(t, IsStepDispatch(err))

	// Wrap up the above error with another multierror
	var outerResults *multierror.Error
	outerResults = multierror.Append(err, fmt.Errorf("outer error 1: %w", errors.New("11")))

	// And assert our Is chaining returns the error we are after.
	outerErr := outerResults.ErrorOrNil()
	require.True(t, IsStepDispatch(outerErr))
}

func TestHTTPStatusCodes(t *testing.T) {
	require.Equal(t, 400, NewErrValidationFailed("bad request").HTTPStatusCode())
	require.Equal(t, 404, NewErrNotFound("missing").HTTPStatusCode())
	require.Equal(t, 500, NewErrStepDispatch("dispatch failed", nil).HTTPStatusCode())
}
