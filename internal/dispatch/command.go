// ABOUTME: Command model for operator dispatch: verbs, arguments, and validation.
// ABOUTME: A Command is immutable once handed to the Dispatcher.

package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Whole-call dispatch errors. Everything else is reported per target in the Result.
var (
	// ErrInvalidSelector is returned when the target selector is empty, malformed,
	// or resolves to no agents.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrInvalidCommand is returned for unknown verbs or bad argument counts.
	ErrInvalidCommand = errors.New("invalid command")
)

// Verb names an operation an agent can perform.
type Verb string

const (
	VerbUpload     Verb = "upload"
	VerbDownload   Verb = "download"
	VerbScreenshot Verb = "screenshot"
	VerbShell      Verb = "shell"
	VerbExit       Verb = "exit"
)

// Verbs lists every known verb.
var Verbs = []Verb{VerbUpload, VerbDownload, VerbScreenshot, VerbShell, VerbExit}

// ParseVerb maps an operator-supplied name to a Verb. "sh" is accepted for shell.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToLower(strings.TrimSpace(s))); v {
	case VerbUpload, VerbDownload, VerbScreenshot, VerbShell, VerbExit:
		return v, nil
	case "sh":
		return VerbShell, nil
	default:
		return "", fmt.Errorf("%w: unknown verb %q", ErrInvalidCommand, s)
	}
}

// Command is one operator request fanned out to its targets.
type Command struct {
	ID      uuid.UUID
	Verb    Verb
	Args    []string
	Targets Selector
	// Attachment is the upload source. When nil, upload reads the local file
	// named by Args[0]; the HTTP API always supplies one.
	Attachment []byte
}

// Validate checks the verb and its arguments:
//
//	upload     <local> <remote>
//	download   <remote>
//	screenshot
//	shell      <command line...>
//	exit
func (c *Command) Validate() error {
	want := ""
	ok := true
	switch c.Verb {
	case VerbUpload:
		ok, want = len(c.Args) == 2, "<local> <remote>"
	case VerbDownload:
		ok, want = len(c.Args) == 1, "<remote>"
	case VerbScreenshot, VerbExit:
		ok, want = len(c.Args) == 0, "no arguments"
	case VerbShell:
		ok, want = len(c.Args) > 0 && strings.TrimSpace(strings.Join(c.Args, " ")) != "", "<command line>"
	default:
		return fmt.Errorf("%w: unknown verb %q", ErrInvalidCommand, c.Verb)
	}
	if !ok {
		return fmt.Errorf("%w: %s expects %s", ErrInvalidCommand, c.Verb, want)
	}
	for _, a := range c.Args {
		if c.Verb != VerbShell && strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: %s has an empty argument", ErrInvalidCommand, c.Verb)
		}
	}
	return nil
}

// Line renders the command the way an operator would type it.
func (c *Command) Line() string {
	if len(c.Args) == 0 {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + strings.Join(c.Args, " ")
}
