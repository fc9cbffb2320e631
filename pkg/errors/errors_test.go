package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneKeepsIdentity(t *testing.T) {
	err := Clone(ErrThrottled, "limit reached")
	require.Equal(t, "limit reached", err.Message)
	assert.Equal(t, http.StatusTooManyRequests, err.Status)
	assert.True(t, errors.Is(err, ErrThrottled))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "too many sessions in progress", ErrThrottled.Message)
}

func TestFromErrorHidesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.0.0.7:5432: connection refused")
	appErr := FromError(cause)
	require.NotNil(t, appErr)
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, ErrInternal.Message, appErr.Message)
	assert.ErrorIs(t, appErr, cause)
}

func TestWrapAsMatchesSentinel(t *testing.T) {
	cause := errors.New("bucket missing")
	err := WrapAs(ErrStorageMisconfigured, cause, "")
	wrapped := fmt.Errorf("upload: %w", err)
	assert.True(t, errors.Is(wrapped, ErrStorageMisconfigured))
	assert.Equal(t, ErrStorageMisconfigured.Message, FromError(wrapped).Message)
}
