package ttysurface

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
)

func pipeSurface(t *testing.T) (*Surface, *os.File, *os.File) {
	t.Helper()
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
	})
	return NewWithFiles(inR, outW, nil), inW, outR
}

func TestWritePassesBytesThrough(t *testing.T) {
	surface, _, outR := pipeSurface(t)
	payload := []byte("\x1b[1mhello\x1b[0m")
	if err := surface.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(outR, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("surface wrote %q, want %q", got, payload)
	}
}

func TestSetTitleEmitsOSC(t *testing.T) {
	surface, _, outR := pipeSurface(t)
	surface.SetTitle("blog")
	want := []byte("\x1b]0;blog\a")
	got := make([]byte, len(want))
	if _, err := io.ReadFull(outR, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("title sequence = %q, want %q", got, want)
	}
}

func TestReadInputForwardsVerbatim(t *testing.T) {
	surface, inW, _ := pipeSurface(t)
	var got []byte
	done := make(chan error, 1)
	go func() {
		done <- surface.ReadInput(context.Background(), func(p []byte) error {
			got = append(got, p...)
			return nil
		})
	}()

	payload := []byte("ls -la\r\x1b[A\x00\xff")
	if _, err := inW.Write(payload); err != nil {
		t.Fatalf("write input: %v", err)
	}
	inW.Close()

	if err := <-done; !errors.Is(err, io.EOF) {
		t.Fatalf("read input ended with %v, want EOF", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("forwarded %q, want %q verbatim", got, payload)
	}
}

func TestReadInputDetachKey(t *testing.T) {
	surface, inW, _ := pipeSurface(t)
	var got []byte
	done := make(chan error, 1)
	go func() {
		done <- surface.ReadInput(context.Background(), func(p []byte) error {
			got = append(got, p...)
			return nil
		})
	}()

	if _, err := inW.Write([]byte("abc\x1ddropped")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrDetached) {
		t.Fatalf("read input ended with %v, want ErrDetached", err)
	}
	if !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("forwarded %q before detach, want %q", got, "abc")
	}
}

func TestReadInputStopsOnCallbackError(t *testing.T) {
	surface, inW, _ := pipeSurface(t)
	sentinel := errors.New("channel gone")
	done := make(chan error, 1)
	go func() {
		done <- surface.ReadInput(context.Background(), func([]byte) error {
			return sentinel
		})
	}()
	if _, err := inW.Write([]byte("x")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := <-done; !errors.Is(err, sentinel) {
		t.Fatalf("read input ended with %v, want callback error", err)
	}
}
