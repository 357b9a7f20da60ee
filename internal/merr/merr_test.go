package merr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageComposesOperationResourceAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransient("bus.Publish", cause).WithResource("channel:request.answerer")

	msg := err.Error()
	assert.Contains(t, msg, "bus.Publish")
	assert.Contains(t, msg, "channel:request.answerer")
	assert.Contains(t, msg, "connection reset")
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := NewTransient("op", cause)
	assert.ErrorIs(t, err, cause)
}

func TestAsErrorFindsWrappedMerr(t *testing.T) {
	inner := NewValidation("bad payload")
	wrapped := fmt.Errorf("admission failed: %w", inner)

	found, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindValidation, found.Kind)
}

func TestAsErrorFalseForPlainError(t *testing.T) {
	_, ok := AsError(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(NewBusy(7), KindBusy))
	assert.False(t, IsKind(NewBusy(7), KindTimeout))
}

func TestIsRetryableOnlyTrueForTransient(t *testing.T) {
	assert.True(t, IsRetryable(NewTransient("op", errors.New("x"))))
	assert.False(t, IsRetryable(NewPermanent("op", errors.New("x"))))
	assert.False(t, IsRetryable(NewValidation("x")))
	assert.False(t, IsRetryable(errors.New("unclassified")))
}

func TestGetCodeDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, GetCode(errors.New("unclassified")))
	assert.Equal(t, CodeBusy, GetCode(NewBusy(1)))
}

func TestWithMetadataAttachesKeyValue(t *testing.T) {
	err := NewValidation("bad").WithMetadata("field", "session_id")
	assert.Equal(t, "session_id", err.Metadata["field"])
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation: http.StatusBadRequest,
		KindAuth:       http.StatusUnauthorized,
		KindBusy:       http.StatusConflict,
		KindTimeout:    http.StatusGatewayTimeout,
		KindCancelled:  http.StatusRequestTimeout,
		KindTransient:  http.StatusServiceUnavailable,
		KindPermanent:  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestNewBusyAndConcurrentShareBusyKindButDifferentCodes(t *testing.T) {
	busy := NewBusy(3)
	concurrent := NewConcurrentRequest(3)
	assert.Equal(t, KindBusy, busy.Kind)
	assert.Equal(t, KindBusy, concurrent.Kind)
	assert.NotEqual(t, busy.Code, concurrent.Code)
	assert.Equal(t, "session:3", busy.Resource)
}
