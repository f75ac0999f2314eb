package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeRemoteOp, cause, "delete cart line")

	assert.Equal(t, CodeRemoteOp, err.Code())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAsFindsTypedErrorThroughFmtWrap(t *testing.T) {
	inner := New(CodeNotReady, "no session")
	outer := fmt.Errorf("add item: %w", inner)

	typed := As(outer)
	require.NotNil(t, typed)
	assert.Equal(t, CodeNotReady, typed.Code())
	assert.True(t, HasCode(outer, CodeNotReady))
	assert.False(t, HasCode(outer, CodeTimeout))
}

func TestCodeOfUntypedIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(stdErrors.New("boom")))
	assert.Nil(t, As(nil))
}

func TestMetadataFallsBackToInternal(t *testing.T) {
	meta := MetadataFor(Code("SOMETHING_ELSE"))
	assert.Equal(t, http.StatusInternalServerError, meta.HTTPStatus)

	meta = MetadataFor(CodeValidation)
	assert.Equal(t, http.StatusBadRequest, meta.HTTPStatus)
	assert.True(t, meta.DetailsAllowed)
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "shipping incomplete").WithDetails(map[string]string{"city": "is required"})
	assert.Equal(t, map[string]string{"city": "is required"}, err.Details())
}
