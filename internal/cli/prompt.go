package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// IsTTY reports whether stdin is a terminal, gating interactive prompts.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirm prints prompt to stderr and reads a yes/no answer from stdin.
// Only "y" and "yes" count as yes; everything else, including EOF, is no.
func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
