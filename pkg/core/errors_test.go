package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeError(t *testing.T) {
	err := &DecodeError{Input: "only-one-field", Reason: "missing delimiter"}
	assert.Contains(t, err.Error(), "missing delimiter")
	assert.Contains(t, err.Error(), "only-one-field")

	long := &DecodeError{Input: strings.Repeat("x", 500), Reason: "bad"}
	assert.Less(t, len(long.Error()), 200)
}

func TestDispatchError(t *testing.T) {
	cause := errors.New("popup blocked")
	var err error = &DispatchError{JobID: "q_write_ab12_1", URL: "https://example.test", Err: cause}

	var de *DispatchError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, "q_write_ab12_1", de.JobID)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "popup blocked")
}

func TestStepError(t *testing.T) {
	err := &StepError{JobID: "q_1", State: "parsing", Attempt: 2, Err: ErrEmptyResponse}
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Contains(t, err.Error(), "parsing")
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestRetryAfterError(t *testing.T) {
	originalErr := errors.New("temporary failure")
	wrapped := RetryAfter(5*time.Second, originalErr)

	var retryErr *RetryAfterError
	assert.True(t, errors.As(wrapped, &retryErr))
	assert.Equal(t, originalErr, retryErr.Unwrap())
	assert.Contains(t, retryErr.Error(), "5s")
}

func TestErrorVariables(t *testing.T) {
	for _, err := range []error{
		ErrInvalidConfig, ErrInvalidJobID, ErrPathEscapesSandbox, ErrLockRejected,
		ErrParseRecoveryExhausted, ErrGlobalTimeout, ErrJobNotFound, ErrBusy, ErrEmptyResponse,
	} {
		assert.True(t, strings.HasPrefix(err.Error(), "relay: "), err.Error())
	}
	assert.Contains(t, ErrLockRejected.Error(), "locked")
}
