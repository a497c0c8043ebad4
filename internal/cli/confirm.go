package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/JJ-Ju/multi-cli/internal/scheduler"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

// prompter asks the user to approve tool calls on the terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// readLine returns the next input line without its newline. io.EOF is
// returned only when nothing was read.
func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimRight(line, "\r\n"), err
}

// ask shows details and maps the answer to an outcome. End of input cancels.
func (p *prompter) ask(d tools.ConfirmationDetails) scheduler.Outcome {
	fmt.Fprintf(p.out, "\n? %s\n", d.Title)
	switch d.Kind {
	case tools.ConfirmEdit:
		if d.Diff != "" {
			fmt.Fprintln(p.out, d.Diff)
		}
	case tools.ConfirmExec:
		fmt.Fprintf(p.out, "  $ %s\n", d.Command)
	case tools.ConfirmFetch:
		for _, u := range d.URLs {
			fmt.Fprintf(p.out, "  %s\n", u)
		}
	}
	if d.Prompt != "" {
		fmt.Fprintln(p.out, d.Prompt)
	}

	for {
		fmt.Fprintf(p.out, "Allow? [y]es once, [a]lways for %q, [n]o: ", d.Class)
		line, err := p.readLine()
		if err != nil {
			fmt.Fprintln(p.out)
			return scheduler.OutcomeCancel
		}
		if outcome, ok := parseAnswer(line); ok {
			return outcome
		}
	}
}

func parseAnswer(s string) (scheduler.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return scheduler.OutcomeProceedOnce, true
	case "a", "always":
		return scheduler.OutcomeProceedAlways, true
	case "n", "no":
		return scheduler.OutcomeCancel, true
	default:
		return "", false
	}
}

// toolLine renders a tool call state change for the terminal.
func toolLine(name, status, errMsg string) string {
	switch status {
	case string(scheduler.StatusExecuting):
		return fmt.Sprintf("[tool %s] running", name)
	case string(scheduler.StatusSuccess):
		return fmt.Sprintf("[tool %s] ok", name)
	case string(scheduler.StatusError), string(scheduler.StatusCancelled):
		return fmt.Sprintf("[tool %s] %s: %s", name, status, errMsg)
	default:
		return ""
	}
}
