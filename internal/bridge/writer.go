package bridge

import (
	"fmt"
	"io"
	"os"
)

// WriteStdinToFIFO copies r (the process's own stdin, verbatim) to the
// named FIFO at path and returns once the write completes. This is the
// in-sandbox counterpart to sandbox.Driver.WriteFIFO: the broker execs a
// tiny program that does nothing but this, with the turn text attached
// to that exec's stdin, so the text never passes through a shell and
// never risks argv-length limits or metacharacter interpretation.
func WriteStdinToFIFO(r io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("bridge: open fifo %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("bridge: write fifo %s: %w", path, err)
	}
	return nil
}

// RunWriter is the entry point for the bridge binary's "write-fifo" mode
// (cmd/agentbridge), reading os.Stdin and writing to the default
// incoming-message FIFO.
func RunWriter() error {
	return WriteStdinToFIFO(os.Stdin, DefaultPaths().Incoming)
}
