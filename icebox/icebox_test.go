package icebox

import (
	"os"
	"testing"

	"github.com/meow-io/go-convo/ids"
	"github.com/meow-io/go-convo/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) *Store {
	c := test.NewTestConfig("icebox")
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	s, err := NewStore(c, d)
	require.Nil(t, err)
	return s
}

func orphan(seq uint64, originator uint32, deps ...ids.Cursor) *OrphanedEnvelope {
	return &OrphanedEnvelope{
		Cursor:    ids.NewCursor(seq, originator),
		DependsOn: deps,
		GroupID:   []byte("group"),
		Payload:   []byte{byte(seq)},
	}
}

func cursorsOf(envelopes []*OrphanedEnvelope) []ids.Cursor {
	out := []ids.Cursor{}
	for _, e := range envelopes {
		out = append(out, e.Cursor)
	}
	return out
}

func chain() []*OrphanedEnvelope {
	return []*OrphanedEnvelope{
		orphan(41, 1, ids.NewCursor(40, 1)),
		orphan(40, 1, ids.NewCursor(39, 2)),
		orphan(39, 2, ids.NewCursor(38, 2)),
	}
}

func TestDependencyChain(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("chain", func() error {
		count, err := s.Ice(chain())
		require.Nil(err)
		require.Equal(3, count)
		count, err = s.Ice(chain())
		require.Nil(err)
		require.Equal(0, count)

		past, err := s.PastDependants([]ids.Cursor{ids.NewCursor(41, 1)})
		require.Nil(err)
		require.Len(past, 3)
		require.Equal([]ids.Cursor{ids.NewCursor(39, 2), ids.NewCursor(40, 1), ids.NewCursor(41, 1)}, cursorsOf(past))
		require.Equal([]ids.Cursor{ids.NewCursor(38, 2)}, past[0].DependsOn)
		require.Equal([]ids.Cursor{ids.NewCursor(39, 2)}, past[1].DependsOn)
		require.Equal([]ids.Cursor{ids.NewCursor(40, 1)}, past[2].DependsOn)
		require.Equal([]byte{41}, past[2].Payload)

		future, err := s.FutureDependants([]ids.Cursor{ids.NewCursor(39, 2)})
		require.Nil(err)
		require.Equal([]ids.Cursor{ids.NewCursor(40, 1), ids.NewCursor(41, 1)}, cursorsOf(future))

		// the missing root unblocks everything
		future, err = s.FutureDependants([]ids.Cursor{ids.NewCursor(38, 2)})
		require.Nil(err)
		require.Len(future, 3)
		return nil
	}))
}

func TestOriginatorMismatchBreaksChain(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("mismatch", func() error {
		_, err := s.Ice([]*OrphanedEnvelope{
			orphan(41, 1, ids.NewCursor(40, 1)),
			orphan(40, 2, ids.NewCursor(39, 2)),
			orphan(39, 2, ids.NewCursor(38, 2)),
		})
		require.Nil(err)

		past, err := s.PastDependants([]ids.Cursor{ids.NewCursor(41, 1)})
		require.Nil(err)
		require.Equal([]ids.Cursor{ids.NewCursor(41, 1)}, cursorsOf(past))

		future, err := s.FutureDependants([]ids.Cursor{ids.NewCursor(40, 2)})
		require.Nil(err)
		require.Equal([]ids.Cursor{}, cursorsOf(future))

		future, err = s.FutureDependants([]ids.Cursor{ids.NewCursor(39, 2)})
		require.Nil(err)
		require.Equal([]ids.Cursor{ids.NewCursor(40, 2)}, cursorsOf(future))

		past, err = s.PastDependants([]ids.Cursor{ids.NewCursor(41, 3)})
		require.Nil(err)
		require.Empty(past)
		return nil
	}))
}

func TestRemoveAndGroupListing(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("remove", func() error {
		_, err := s.Ice(chain())
		require.Nil(err)
		other := orphan(50, 1, ids.NewCursor(49, 1))
		other.GroupID = []byte("other")
		_, err = s.Ice([]*OrphanedEnvelope{other})
		require.Nil(err)

		iced, err := s.IcedForGroup([]byte("group"))
		require.Nil(err)
		require.Len(iced, 3)

		require.Nil(s.Remove([]ids.Cursor{ids.NewCursor(39, 2)}))
		past, err := s.PastDependants([]ids.Cursor{ids.NewCursor(41, 1)})
		require.Nil(err)
		require.Equal([]ids.Cursor{ids.NewCursor(40, 1), ids.NewCursor(41, 1)}, cursorsOf(past))

		iced, err = s.IcedForGroup([]byte("other"))
		require.Nil(err)
		require.Equal([]ids.Cursor{ids.NewCursor(50, 1)}, cursorsOf(iced))
		return nil
	}))
}
