package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Seq   uint64
	Items []item
}

type item struct {
	Key   string
	Value []byte
}

func TestDecodeGarbage(t *testing.T) {
	require := require.New(t)
	s := sample{}
	err := Decode([]byte{0xff, 0xff, 0xff, 0xff}, &s)
	require.NotNil(err)
	var de *DecodeError
	require.ErrorAs(err, &de)
	require.False(de.IsRetryable())
}

func TestNestedMessages(t *testing.T) {
	require := require.New(t)
	b, err := Encode(&sample{Name: "g", Seq: 9, Items: []item{{Key: "a", Value: []byte{1}}, {Key: "b", Value: []byte{2}}}})
	require.Nil(err)
	s := sample{}
	require.Nil(Decode(b, &s))
	require.Equal("g", s.Name)
	require.Len(s.Items, 2)
	require.Equal("b", s.Items[1].Key)
}
