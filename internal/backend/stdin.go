package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Stdin drives the pipeline by hand: it prints each prompt and reads
// the completion from one input line. Useful for poking at role prompts
// without a model.
type Stdin struct {
	ShowPrompt bool
	Out        io.Writer
	reader     *bufio.Reader
}

// NewStdin returns a backend reading from standard input.
func NewStdin() *Stdin {
	return &Stdin{ShowPrompt: true, Out: os.Stdout, reader: bufio.NewReader(os.Stdin)}
}

// NewStdinFrom reads from an explicit source, for tests.
func NewStdinFrom(in io.Reader, out io.Writer) *Stdin {
	return &Stdin{ShowPrompt: true, Out: out, reader: bufio.NewReader(in)}
}

// Complete shows the prompt and returns the next input line.
func (b *Stdin) Complete(_ context.Context, prompt string, p Params) (string, error) {
	role := p.Role
	if role == "" {
		role = "assistant"
	}
	if b.ShowPrompt {
		fmt.Fprintf(b.Out, "\n[%s] prompt:\n%s\n\n", role, prompt)
	}
	fmt.Fprintf(b.Out, "[%s] response> ", role)
	line, err := b.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func init() {
	mustRegister("stdin", func(Options) (Backend, error) {
		return NewStdin(), nil
	})
}
