package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"decode", &DecodeError{Reason: "bad"}, ClassMalformed},
		{"unknown kind", fmt.Errorf("x: %w", ErrUnknownKind), ClassMalformed},
		{"conflict", fmt.Errorf("x: %w", ErrConflictingDuplicate), ClassConflict},
		{"rejection", rejectf("launch", "L1", "nope"), ClassRejected},
		{"finish denied", &FinishDeniedError{Entity: "launch", ID: "L1", Blocking: 2}, ClassBlocked},
		{"not yet visible", notYetVisible("launch", "L1"), ClassBlocked},
		{"deadline", fmt.Errorf("tx: %w", context.DeadlineExceeded), ClassTransient},
		{"storage", fmt.Errorf("%w: connection reset", ErrTransient), ClassTransient},
		{"unrecognised", errors.New("boom"), ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.Equal(t, FailureClass(""), Classify(nil))
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, &DecodeError{Reason: "x"}, ErrInvalidInput)
	assert.ErrorIs(t, rejectf("item", "I1", "x"), ErrRejected)
	assert.ErrorIs(t, &FinishDeniedError{}, ErrFinishDenied)
	assert.Contains(t, (&FinishDeniedError{Entity: "launch", ID: "L1", Blocking: 3}).Error(), "3 descendant(s)")
}

func TestFailureClassRetryable(t *testing.T) {
	for _, class := range FailureClasses() {
		assert.True(t, class.Valid())
	}
	assert.True(t, ClassBlocked.Retryable())
	assert.True(t, ClassTransient.Retryable())
	assert.False(t, ClassMalformed.Retryable())
	assert.False(t, ClassConflict.Retryable())
	assert.False(t, ClassRejected.Retryable())
}
