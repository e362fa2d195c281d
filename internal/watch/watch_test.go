package watch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nkrause/shardb/internal/watch"
)

type alwaysMatch struct{}

func (alwaysMatch) Matches(string, [][]byte) bool { return true }

type neverMatch struct{}

func (neverMatch) Matches(string, [][]byte) bool { return false }

type fireRecorder struct {
	fires int
}

func (f *fireRecorder) Fire() bool {
	f.fires++
	return true
}

func Test_NotifyCommit_Fires_A_Matching_Watch_Once(t *testing.T) {
	reg := watch.New(nil)
	consumer := &fireRecorder{}
	reg.Attach("Widget:1", alwaysMatch{}, consumer)

	reg.NotifyCommit(map[string][][]byte{"Widget:1": {[]byte("k1")}})
	reg.NotifyCommit(map[string][][]byte{"Widget:1": {[]byte("k2")}})

	require.Equal(t, 1, consumer.fires, "a watch self-detaches after its first fire")
}

func Test_NotifyCommit_Ignores_Non_Matching_Watches(t *testing.T) {
	reg := watch.New(nil)
	consumer := &fireRecorder{}
	reg.Attach("Widget:1", neverMatch{}, consumer)

	reg.NotifyCommit(map[string][][]byte{"Widget:1": {[]byte("k1")}})
	require.Zero(t, consumer.fires)
}

func Test_NotifyCommit_Only_Evaluates_Watches_On_The_Changed_Kind(t *testing.T) {
	reg := watch.New(nil)
	consumer := &fireRecorder{}
	reg.Attach("Widget:1", alwaysMatch{}, consumer)

	reg.NotifyCommit(map[string][][]byte{"Gadget:1": {[]byte("k1")}})
	require.Zero(t, consumer.fires)
}

func Test_Detach_Prevents_A_Later_Fire(t *testing.T) {
	reg := watch.New(nil)
	consumer := &fireRecorder{}
	entry := reg.Attach("Widget:1", alwaysMatch{}, consumer)
	reg.Detach(entry)

	reg.NotifyCommit(map[string][][]byte{"Widget:1": {[]byte("k1")}})
	require.Zero(t, consumer.fires)
}

func Test_NewMonitor_Bridges_Committed_Into_NotifyCommit(t *testing.T) {
	reg := watch.New(nil)
	consumer := &fireRecorder{}
	reg.Attach("Widget:1", alwaysMatch{}, consumer)

	mon := watch.NewMonitor(reg, map[string][][]byte{"Widget:1": {[]byte("k1")}})
	mon.Committed(nil)

	require.Equal(t, 1, consumer.fires)
}
