package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

var (
	// ErrCommandNotAllowed rejects commands whose program is not on the
	// allowlist.
	ErrCommandNotAllowed = errors.New("command not allowed")
	// ErrDeniedToken rejects commands carrying a denylisted token.
	ErrDeniedToken = errors.New("command contains denied substring")
	// ErrMetacharacters rejects commands with active shell syntax.
	ErrMetacharacters = errors.New("command contains shell metacharacters")
)

// allowedCommands are the only programs shell.exec will run.
var allowedCommands = []string{
	"ls", "cat", "echo", "pwd", "python", "pytest", "rg", "grep", "sed", "head", "tail",
}

// deniedTokens match case-insensitively against every token, by
// equality or prefix. Several entries are unreachable once the
// metacharacter screen passes; they stay as a second layer.
var deniedTokens = []string{
	"rm", "sudo", "chmod", "chown", "mkfs", "dd", ":(){", ">/dev/sd", "curl", "wget",
}

// ValidateShellCommand screens and tokenizes a command line. Commands
// run as a plain argv with no shell, so anything that only a shell
// could interpret is rejected outright: pipes, redirection, command
// separators, substitution. Quote handling follows POSIX rules; $ and
// backquote stay active inside double quotes and are rejected there
// too.
func ValidateShellCommand(cmd string) ([]string, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, ErrCommandNotAllowed
	}
	if err := scanMetacharacters(cmd); err != nil {
		return nil, err
	}

	tokens, err := shell.Fields(cmd, func(string) string { return "" })
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	if len(tokens) == 0 {
		return nil, ErrCommandNotAllowed
	}

	program := tokens[0]
	allowed := false
	for _, a := range allowedCommands {
		if program == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrCommandNotAllowed
	}

	for _, token := range tokens {
		lower := strings.ToLower(token)
		for _, deny := range deniedTokens {
			if lower == deny || strings.HasPrefix(lower, deny) {
				return nil, ErrDeniedToken
			}
		}
	}
	return tokens, nil
}

// scanMetacharacters walks the command tracking quote context. Inside
// single quotes nothing is special; inside double quotes $ and
// backquote still are; unquoted, the full set is rejected.
func scanMetacharacters(cmd string) error {
	inSingle, inDouble := false, false
	escaped := false
	for _, r := range cmd {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			}
		case inDouble:
			switch r {
			case '"':
				inDouble = false
			case '\\':
				escaped = true
			case '$', '`':
				return ErrMetacharacters
			}
		default:
			switch r {
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			case '\\':
				escaped = true
			case '|', '&', '>', '<', ';', '$', '`', '\n':
				return ErrMetacharacters
			}
		}
	}
	return nil
}
