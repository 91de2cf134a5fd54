package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
)

// UISpinner wraps spinner for terminal progress output. In plain mode
// (verbose logging, or output that is not a terminal) messages are printed
// as lines instead.
type UISpinner struct {
	sp    *spinner.Spinner
	plain bool
	out   io.Writer
}

// NewUISpinner creates and starts a spinner with the given message
func NewUISpinner(plain bool, message string) *UISpinner {
	if !plain && !term.IsTerminal(int(os.Stdout.Fd())) {
		plain = true
	}
	s := &UISpinner{plain: plain, out: os.Stdout}

	if !plain {
		// Dots style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stdout))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(s.out, "  %s\n", message)
	}
	return s
}

// Update replaces the spinner message.
func (s *UISpinner) Update(message string) {
	if s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	}
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.finish("✓", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.finish("✗", message)
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
	}
}

func (s *UISpinner) finish(mark, message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message) // \033[K clears the line
		return
	}
	fmt.Fprintf(s.out, "  %s %s\n", mark, message)
}
