package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeQuotesFields(t *testing.T) {
	m := FileDump("00-00001", "/hold/20261016/alpha.My_Docs.0", "alpha", "/home/My Docs", 0, "1970:01:01:00:00:00", 2048)
	line := m.Encode()
	assert.Equal(t, `FILE-DUMP 00-00001 /hold/20261016/alpha.My_Docs.0 alpha '/home/My Docs' 0 1970:01:01:00:00:00 2048`, line)

	got, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, "/home/My Docs", got.Arg(2))
}

func TestDecodeNoSerialMessages(t *testing.T) {
	for _, line := range []string{"READY", "QUIT", "  READY \n"} {
		m, err := Decode(line)
		require.NoError(t, err, line)
		assert.Empty(t, m.Serial)
		assert.Empty(t, m.Args)
	}

	_, err := Decode("READY 00-00001")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDoneVariants(t *testing.T) {
	dump, err := Decode(DumpDone("00-00001", 100, 40, 12.5).Encode())
	require.NoError(t, err)
	assert.Len(t, dump.Args, 3)
	orig, err := dump.Int(0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), orig)
	secs, err := dump.Float(2)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, secs, 0.001)

	tape, err := Decode(TapeDone("00-00001", "DAILY-07", 3).Encode())
	require.NoError(t, err)
	assert.Equal(t, "DAILY-07", tape.Arg(0))
	fileNum, err := tape.Int(1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fileNum)

	_, err = Decode("DONE 00-00001 1")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode("DONE")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeJoinsUnquotedErrorText(t *testing.T) {
	m, err := Decode("FAILED 00-00001 disk read error on sda")
	require.NoError(t, err)
	assert.Equal(t, []string{"disk read error on sda"}, m.Args)

	m, err = Decode(TryAgain("00-00001", "host unreachable").Encode())
	require.NoError(t, err)
	assert.Equal(t, "host unreachable", m.Arg(0))
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]error{
		"":                       ErrMalformed,
		"BOGUS 00-00001":         ErrUnknownKind,
		"STATUS":                 ErrMalformed,
		"STATUS 00-00001":        ErrMalformed,
		"STATUS 00-00001 1 2":    ErrMalformed,
		"FILE-DUMP 00-00001 x":   ErrMalformed,
		"ABORT 00-00001 extra":   ErrMalformed,
		`FAILED 00-00001 'oops`:  ErrMalformed,
		"CONTINUE 00-00001 /dst": ErrMalformed,
	}
	for line, want := range cases {
		_, err := Decode(line)
		assert.ErrorIs(t, err, want, "line %q", line)
	}
}

func TestIntRejectsGarbage(t *testing.T) {
	m, err := Decode("STATUS 00-00001 lots")
	require.NoError(t, err)
	_, err = m.Int(0)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = m.Int(5)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBuildersRoundTrip(t *testing.T) {
	msgs := []Message{
		Continue("00-00001", "/hold/x.1", 1024),
		Abort("00-00001"),
		Quit(),
		FileWrite("00-00001", "/hold/x", "alpha", "/var", 1, "20261016"),
		Ready(),
		Status("00-00001", 512),
		RequestMore("00-00001"),
		Failed("00-00001", "no such file"),
		AbortFinished("00-00001"),
		TapeError("00-00001", "end of tape"),
	}
	for _, m := range msgs {
		got, err := Decode(m.Encode())
		require.NoError(t, err, m.Encode())
		assert.Equal(t, m.Kind, got.Kind)
		assert.Equal(t, m.Serial, got.Serial)
		assert.Equal(t, len(m.Args), len(got.Args))
	}
}
