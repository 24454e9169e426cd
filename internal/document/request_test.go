package document

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRequestRejectsEmptySubmission(t *testing.T) {
	_, err := NewRequest(uuid.New(), nil, nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindInput))
	require.Equal(t, StageReceived, StageOf(err))
}

func TestNewRequestRejectsUnknownRole(t *testing.T) {
	_, err := NewRequest(uuid.New(), map[ImageRole][]byte{"Thermal": []byte("x")}, nil)
	require.True(t, IsKind(err, KindInput))
}

func TestNewRequestRejectsEmptyPayloads(t *testing.T) {
	_, err := NewRequest(uuid.New(), map[ImageRole][]byte{ColorFront: nil}, nil)
	require.True(t, IsKind(err, KindInput))

	_, err = NewRequest(uuid.New(), nil, map[RawDataSource]string{PDF417: ""})
	require.True(t, IsKind(err, KindInput))
}

func TestNewRequestCopiesInputsAndAssignsID(t *testing.T) {
	image := []byte{1, 2, 3}
	req, err := NewRequest(uuid.Nil, map[ImageRole][]byte{UVBack: image, ColorFront: image}, map[RawDataSource]string{PDF417: "@"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, req.ID)

	image[0] = 9
	require.Equal(t, byte(1), req.Images[UVBack][0])
	require.Equal(t, []ImageRole{ColorFront, UVBack}, req.ImageRolesPresent())
	require.Equal(t, []RawDataSource{PDF417}, req.RawSourcesPresent())
}

func TestCancelledErrorMatchesContextCanceled(t *testing.T) {
	err := NewCancelledError(uuid.New(), StageDecoding, errors.New("stopped"))
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, IsKind(err, KindCancelled))
}

func TestClampConfidence(t *testing.T) {
	require.Equal(t, 0.0, ClampConfidence(-5))
	require.Equal(t, 100.0, ClampConfidence(140))
	require.Equal(t, 42.5, ClampConfidence(42.5))
}

func TestOnlyCompletedAndFailedAreTerminal(t *testing.T) {
	for _, stage := range Stages[:len(Stages)-1] {
		require.False(t, stage.Terminal(), stage)
	}
	require.True(t, StageCompleted.Terminal())
	require.True(t, StageFailed.Terminal())
}
