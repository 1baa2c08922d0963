package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	d := NewDecoder(r)
	var out []Frame
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		payload string
		kind    FrameKind
		text    string
	}{
		{`"Got"`, FrameFragment, "Got"},
		{`" it, "`, FrameFragment, " it, "},
		{`"line\nbreak"`, FrameFragment, "line\nbreak"},
		{`[DONE]`, FrameDone, ""},
		{` [DONE] `, FrameDone, ""},
		{`ERROR: rate limited`, FrameError, "rate limited"},
		{`ERROR:boom`, FrameError, "boom"},
		{`{"not":"a string"}`, FrameInvalid, ""},
		{`raw text`, FrameInvalid, ""},
	}
	for _, tc := range cases {
		f := Classify(tc.payload)
		require.Equal(t, tc.kind, f.Kind, "payload=%q", tc.payload)
		require.Equal(t, tc.text, f.Text, "payload=%q", tc.payload)
		if tc.kind == FrameInvalid {
			require.Error(t, f.Err)
		}
	}
}

func TestDecoder_FramesInOrder(t *testing.T) {
	body := "data: \"Got\"\n\ndata: \" it, \"\n\ndata: \"classification.\"\n\ndata: [DONE]\n\n"
	frames := collect(t, strings.NewReader(body))
	require.Len(t, frames, 4)
	require.Equal(t, "Got", frames[0].Text)
	require.Equal(t, " it, ", frames[1].Text)
	require.Equal(t, "classification.", frames[2].Text)
	require.Equal(t, FrameDone, frames[3].Kind)
}

func TestDecoder_SurvivesArbitraryChunking(t *testing.T) {
	body := "data: \"Hel\"\n\ndata: \"lo \\u00e9\"\r\n\r\ndata: [DONE]\n\n"
	frames := collect(t, iotest.OneByteReader(strings.NewReader(body)))
	require.Len(t, frames, 3)
	require.Equal(t, "Hel", frames[0].Text)
	require.Equal(t, "lo é", frames[1].Text)
	require.Equal(t, FrameDone, frames[2].Kind)
}

func TestDecoder_IgnoresCommentsAndOtherFields(t *testing.T) {
	body := ": keep-alive\n\nevent: message\nid: 7\ndata: \"x\"\n\nretry: 100\n\n"
	frames := collect(t, strings.NewReader(body))
	require.Len(t, frames, 1)
	require.Equal(t, "x", frames[0].Text)
}

func TestDecoder_JoinsMultilineData(t *testing.T) {
	frames := collect(t, strings.NewReader("data: ERROR: first\ndata: second\n\n"))
	require.Len(t, frames, 1)
	require.Equal(t, FrameError, frames[0].Kind)
	require.Equal(t, "first\nsecond", frames[0].Text)
}

func TestDecoder_FlushesUnterminatedFrameAtEOF(t *testing.T) {
	frames := collect(t, strings.NewReader("data: \"tail\""))
	require.Len(t, frames, 1)
	require.Equal(t, "tail", frames[0].Text)
}

func TestDecoder_ReaderError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("data: \"a\"\n\n"), iotest.ErrReader(errors.New("connection reset")))
	d := NewDecoder(r)

	f, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, "a", f.Text)

	_, err = d.Next()
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
}
