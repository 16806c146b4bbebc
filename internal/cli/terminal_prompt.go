package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

func isInteractiveInput() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// readPromptLineContext reads one line, returning early with ctx.Err() when
// ctx is canceled first.
func readPromptLineContext(ctx context.Context, reader *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := reader.ReadString('\n')
		ch <- result{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && !(r.err == io.EOF && r.line != "") {
			return "", r.err
		}
		return strings.TrimSpace(r.line), nil
	}
}

func resolveRequiredValueContext(ctx context.Context, reader *bufio.Reader, value string, canPrompt bool, label string) (string, bool, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, false, nil
	}
	if !canPrompt {
		return "", true, nil
	}
	if _, err := fmt.Fprint(os.Stdout, label); err != nil {
		return "", false, err
	}
	v, err := readPromptLineContext(ctx, reader)
	if err != nil {
		return "", false, err
	}
	return v, v == "", nil
}

func promptSecretContext(ctx context.Context, reader *bufio.Reader, label string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, label); err != nil {
		return "", err
	}
	if isInteractiveInput() {
		echoDisabled := setTerminalEcho(false) == nil
		defer func() {
			if echoDisabled {
				_ = setTerminalEcho(true)
			}
			_, _ = fmt.Fprintln(os.Stdout)
		}()
	}
	return readPromptLineContext(ctx, reader)
}

func setTerminalEcho(enable bool) error {
	arg := "-echo"
	if enable {
		arg = "echo"
	}
	cmd := exec.Command("stty", arg)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
