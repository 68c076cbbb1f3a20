package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserSingleGet(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("get foo\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, cmdGet, cmds[0].kind)
	require.Equal(t, []string{"foo"}, cmds[0].keys)
}

func TestParserMultiGet(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("get a b c\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, []string{"a", "b", "c"}, cmds[0].keys)
}

func TestParserSetSplitAcrossFeeds(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("set foo 0 0 5\r\nhe"))
	require.NoError(t, err)
	require.Empty(t, cmds)

	cmds, err = p.feed([]byte("llo\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, cmdSet, cmds[0].kind)
	require.Equal(t, "foo", cmds[0].key)
	require.Equal(t, []byte("hello"), cmds[0].value)
}

func TestParserSetNoreply(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("set foo 0 0 5 noreply\r\nhello\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.True(t, cmds[0].noreply)
}

func TestParserSetNonzeroFlags(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("set x 1 0 1\r\nA\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.EqualValues(t, 1, cmds[0].flags)
}

func TestParserDelete(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("delete foo\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, cmdDelete, cmds[0].kind)
	require.Equal(t, "foo", cmds[0].key)
}

func TestParserUnsupportedCommandStillConsumesDataBlock(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("replace x 0 0 1\r\nA\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, cmdUnsupported, cmds[0].kind)

	// The stream is back in sync: a following command parses normally.
	cmds, err = p.feed([]byte("get foo\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, cmdGet, cmds[0].kind)
}

func TestParserBadTerminatorIsFatal(t *testing.T) {
	p := newParser()
	_, err := p.feed([]byte("set foo 0 0 5\r\nhelloXX"))
	require.Error(t, err)
}

func TestParserMultipleCommandsInOneFeed(t *testing.T) {
	p := newParser()
	cmds, err := p.feed([]byte("get a\r\nget b\r\n"))
	require.NoError(t, err)
	require.Len(t, cmds, 2)
}
