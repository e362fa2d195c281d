package shardberr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/shardberr"
)

func Test_New_Error_Message_Has_No_Wrapped_Cause(t *testing.T) {
	err := shardberr.New(shardberr.CodeValidation, "missing owner")
	require.Equal(t, "Validation: missing owner", err.Error())
	require.Nil(t, err.Unwrap())
}

func Test_Wrap_Error_Message_Includes_The_Cause(t *testing.T) {
	cause := errors.New("disk full")
	err := shardberr.Wrap(shardberr.CodeFatal, "commit failed", cause)
	require.Contains(t, err.Error(), "disk full")
	require.ErrorIs(t, err, cause)
}

func Test_Is_Matches_By_Code_Through_Wrapping(t *testing.T) {
	err := fmtWrap(shardberr.New(shardberr.CodeConflict, "index conflict"))
	require.True(t, shardberr.Is(err, shardberr.CodeConflict))
	require.False(t, shardberr.Is(err, shardberr.CodeValidation))
}

func Test_Is_Returns_False_For_A_Plain_Error(t *testing.T) {
	require.False(t, shardberr.Is(errors.New("plain"), shardberr.CodeValidation))
}

func fmtWrap(err error) error {
	return errors.Join(err)
}
