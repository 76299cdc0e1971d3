package symfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicSym = `MODULE Linux x86_64 AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA0 xul.pdb
FILE 7 src/foo.cpp
FUNC 1200 100 0 foo
1234 8 2a 7
PUBLIC 2000 0 bar
`

func TestParseBasic(t *testing.T) {
	m, err := Parse(strings.NewReader(basicSym), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA0")
	require.NoError(t, err)

	assert.Equal(t, "xul.pdb", m.Module.Name)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA0", m.Module.DebugID)
	require.Len(t, m.Functions, 1)
	fn := m.Functions[0]
	assert.Equal(t, uint64(0x1200), fn.Addr)
	assert.Equal(t, uint64(0x100), fn.Size)
	assert.Equal(t, "foo", fn.Name)
	require.Len(t, fn.Lines, 1)
	assert.Equal(t, uint32(42), fn.Lines[0].Number)
	assert.Equal(t, uint32(7), fn.Lines[0].FileID)
	assert.Equal(t, "src/foo.cpp", m.FilePath(7))

	require.Len(t, m.Publics, 1)
	assert.Equal(t, uint64(0x2000), m.Publics[0].Addr)
	assert.Equal(t, "bar", m.Publics[0].Name)
}

func TestParseBadDebugID(t *testing.T) {
	_, err := Parse(strings.NewReader(basicSym), "DEADBEEF")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad_debug_id")
}

func TestParseMalformedInteger(t *testing.T) {
	bad := "MODULE Linux x86_64 AAAA0 xul.pdb\nFUNC zzzz 100 0 foo\n"
	_, err := Parse(strings.NewReader(bad), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestParseMissingModule(t *testing.T) {
	_, err := Parse(strings.NewReader("FILE 1 foo.cpp\n"), "")
	require.Error(t, err)
}

func TestParseUnknownDirectivesSkipped(t *testing.T) {
	sym := "MODULE Linux x86_64 AAAA0 xul.pdb\nSTACK CFI 1000 .cfa: rsp 8 +\nFUNC 1200 100 0 foo\n"
	m, err := Parse(strings.NewReader(sym), "")
	require.NoError(t, err)
	require.Len(t, m.Functions, 1)
}

func TestParseInlineRecords(t *testing.T) {
	sym := "MODULE Linux x86_64 AAAA0 xul.pdb\n" +
		"FILE 1 outer.cpp\n" +
		"FILE 2 inner.cpp\n" +
		"INLINE_ORIGIN 0 inlined_fn\n" +
		"FUNC 1000 200 0 outer_fn\n" +
		"INLINE 1 10 1 0 1000 50\n" +
		"1000 50 20 2\n"
	m, err := Parse(strings.NewReader(sym), "")
	require.NoError(t, err)
	require.Len(t, m.Functions, 1)
	fn := m.Functions[0]
	require.Len(t, fn.Inlines, 1)
	assert.Equal(t, uint32(1), fn.Inlines[0].Depth)
	assert.Equal(t, "inlined_fn", m.OriginName(0))
	require.Len(t, fn.Lines, 1)
	assert.Equal(t, uint32(0x20), fn.Lines[0].Number)
}

func TestParseFunctionsAreSortedByAddress(t *testing.T) {
	sym := "MODULE Linux x86_64 AAAA0 xul.pdb\n" +
		"FUNC 2000 100 0 second\n" +
		"FUNC 1000 100 0 first\n"
	m, err := Parse(strings.NewReader(sym), "")
	require.NoError(t, err)
	require.Len(t, m.Functions, 2)
	assert.Equal(t, "first", m.Functions[0].Name)
	assert.Equal(t, "second", m.Functions[1].Name)
}

func TestParseMultipleFlagOnFuncAndPublic(t *testing.T) {
	sym := "MODULE Linux x86_64 AAAA0 xul.pdb\n" +
		"FUNC m 1000 100 0 multi_fn\n" +
		"PUBLIC m 5000 0 multi_pub\n"
	m, err := Parse(strings.NewReader(sym), "")
	require.NoError(t, err)
	assert.True(t, m.Functions[0].Multiple)
	assert.True(t, m.Publics[0].Multiple)
}
