package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/chat"
)

func TestStoreRecent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for _, m := range []chat.ChatMessage{
		{Username: "a", Message: "1"},
		{Username: "b", Message: "2"},
		{Username: "c", Message: "3"},
	} {
		require.NoError(t, s.Append("lobby", m))
	}
	require.NoError(t, s.Append("lobby2", chat.ChatMessage{Username: "x", Message: "other room"}))

	got, err := s.Recent("lobby", 2)
	require.NoError(t, err)
	require.Equal(t, []chat.ChatMessage{{Username: "b", Message: "2"}, {Username: "c", Message: "3"}}, got)

	all, err := s.Recent("lobby", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	other, err := s.Recent("lobby2", 10)
	require.NoError(t, err)
	require.Equal(t, []chat.ChatMessage{{Username: "x", Message: "other room"}}, other)

	none, err := s.Recent("empty", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestStoreResumesSequence(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append("r", chat.ChatMessage{Username: "a", Message: "first"}))
	require.NoError(t, s.Append("q", chat.ChatMessage{Username: "a", Message: "elsewhere"}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(2), s.next)

	require.NoError(t, s.Append("r", chat.ChatMessage{Username: "b", Message: "second"}))
	got, err := s.Recent("r", 0)
	require.NoError(t, err)
	require.Equal(t, []chat.ChatMessage{
		{Username: "a", Message: "first"},
		{Username: "b", Message: "second"},
	}, got)
}

func TestStoreImplementsHistory(t *testing.T) {
	var _ chat.History = (*Store)(nil)
}

func TestKeyLayout(t *testing.T) {
	k := key("room", 7)
	seq, ok := sequenceOf(k)
	require.True(t, ok)
	require.Equal(t, uint64(7), seq)

	_, ok = sequenceOf([]byte("short"))
	require.False(t, ok)
}

func TestStoreRejectsZeroByteRoom(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.ErrorIs(t, s.Append("a\x00b", chat.ChatMessage{Username: "u", Message: "m"}), ErrInvalidRoom)
}
