package sanitize

import (
	"bytes"
	"testing"
)

func TestStripANSIRemovesColorCodes(t *testing.T) {
	in := []byte("\x1b[31mhello\x1b[0m world")
	got := StripANSI(in)
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q", got)
	}
}

func TestStripANSIRemovesCursorMovement(t *testing.T) {
	in := []byte("a\x1b[2Kb\x1b[1;1Hc")
	got := StripANSI(in)
	if !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("got %q", got)
	}
}

func TestRebuildLinesOverwritesOnCR(t *testing.T) {
	in := []byte("progress 10%\rprogress 99%\n")
	got := RebuildLines(in)
	if !bytes.Equal(got, []byte("progress 99%\n")) {
		t.Fatalf("got %q", got)
	}
}

func TestRebuildLinesHandlesPartialOverwrite(t *testing.T) {
	in := []byte("AAAAA\rBB\n")
	got := RebuildLines(in)
	if !bytes.Equal(got, []byte("BBAAA\n")) {
		t.Fatalf("got %q", got)
	}
}

func TestCleanPipeline(t *testing.T) {
	in := []byte("\x1b[2KAAAAA\rBBBBB\n")
	got := Clean(in)
	if !bytes.Equal(got, []byte("BBBBB\n")) {
		t.Fatalf("got %q", got)
	}
}

func TestTailBoundsLength(t *testing.T) {
	in := bytes.Repeat([]byte("x"), 3000)
	got := Tail(in, 2000)
	if len(got) != 2000 {
		t.Fatalf("expected 2000 bytes, got %d", len(got))
	}

	short := []byte("short")
	if !bytes.Equal(Tail(short, 2000), short) {
		t.Fatal("expected short input unchanged")
	}
}
