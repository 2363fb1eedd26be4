package results

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the5gs/arstreamer/internal/packet"
)

func strPtr(v string) *string {
	return &v
}

func TestTrackerUpdate(t *testing.T) {
	tr := &Tracker{}

	res := tr.Latest()
	require.Nil(t, res.Updated)
	require.Nil(t, res.TranslationResult)

	tr.Update(&packet.ServerMessage{StatusMessage: "Intrinsics received"})
	tr.Update(&packet.ServerMessage{TranslationResult: strPtr("hello")})
	tr.Update(&packet.ServerMessage{HandLandmarks: []packet.Landmark{{X: 0.1, Y: 0.2}}})

	res = tr.Latest()
	require.Equal(t, "Intrinsics received", res.StatusMessage)
	require.Equal(t, "hello", *res.TranslationResult)
	require.Equal(t, []packet.Landmark{{X: 0.1, Y: 0.2}}, res.HandLandmarks)
	require.NotNil(t, res.Updated)
	require.Equal(t, uint64(3), tr.Count())
}

func TestTrackerEmptyLandmarksClearGesture(t *testing.T) {
	tr := &Tracker{}

	tr.Update(&packet.ServerMessage{
		TranslationResult: strPtr("thanks"),
		HandLandmarks:     []packet.Landmark{{X: 1, Y: 1}},
	})
	tr.Update(&packet.ServerMessage{HandLandmarks: []packet.Landmark{}})

	res := tr.Latest()
	require.Equal(t, "", *res.TranslationResult)
	require.Empty(t, res.HandLandmarks)
}

func TestTrackerLatestIsACopy(t *testing.T) {
	tr := &Tracker{}
	tr.Update(&packet.ServerMessage{HandLandmarks: []packet.Landmark{{X: 1, Y: 1}}})

	res := tr.Latest()
	res.HandLandmarks[0].X = 5

	require.Equal(t, float32(1), tr.Latest().HandLandmarks[0].X)
}
