package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	uuid "github.com/google/uuid"
	errors "github.com/pkg/errors"
)

// REPL struct.
type REPL struct {
	commands map[string]func(string, *REPLConfig) error
	help     map[string]string
}

// REPL Config struct.
type REPLConfig struct {
	writer   io.Writer
	clientId uuid.UUID
}

// Construct a config for one client.
func NewREPLConfig(writer io.Writer, clientId uuid.UUID) *REPLConfig {
	return &REPLConfig{writer: writer, clientId: clientId}
}

// Get writer.
func (replConfig *REPLConfig) GetWriter() io.Writer {
	return replConfig.writer
}

// Get address.
func (replConfig *REPLConfig) GetAddr() uuid.UUID {
	return replConfig.clientId
}

// Construct an empty REPL.
func NewRepl() *REPL {
	return &REPL{make(map[string]func(string, *REPLConfig) error), make(map[string]string)}
}

// Combines a slice of REPLs.
func CombineRepls(repls []*REPL) (*REPL, error) {
	newRepl := NewRepl()
	for _, repl := range repls {
		for cmd := range repl.commands {
			if _, exist := newRepl.commands[cmd]; exist {
				return nil, errors.Errorf("overlapping trigger %q", cmd)
			}
			newRepl.commands[cmd] = repl.commands[cmd]
			newRepl.help[cmd] = repl.help[cmd]
		}
	}
	return newRepl, nil
}

// Get commands.
func (r *REPL) GetCommands() map[string]func(string, *REPLConfig) error {
	return r.commands
}

// Get help.
func (r *REPL) GetHelp() map[string]string {
	return r.help
}

// Add a command, along with its help string, to the set of commands.
func (r *REPL) AddCommand(trigger string, action func(string, *REPLConfig) error, help string) error {
	if strings.HasPrefix(trigger, ".") {
		return errors.Errorf("cannot add meta command %q", trigger)
	}
	r.commands[trigger] = action
	r.help[trigger] = help
	return nil
}

// Return all REPL usage information as a string, sorted by command.
func (r *REPL) HelpString() string {
	cmds := make([]string, 0, len(r.help))
	for cmd := range r.help {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	var b strings.Builder
	for _, cmd := range cmds {
		b.WriteString(cmd + ": " + r.help[cmd] + "\n")
	}
	return b.String()
}

// Run the REPL over rw until EOF; stdin and stdout if rw is nil.
func (r *REPL) Run(rw io.ReadWriter, clientId uuid.UUID, prompt string) {
	var reader io.Reader = os.Stdin
	var writer io.Writer = os.Stdout
	if rw != nil {
		reader = rw
		writer = rw
	}
	replConfig := NewREPLConfig(writer, clientId)
	scanner := bufio.NewScanner(reader)
	io.WriteString(writer, prompt)
	for scanner.Scan() {
		if r.Execute(scanner.Text(), replConfig) {
			break
		}
		io.WriteString(writer, prompt)
	}
	io.WriteString(writer, "\n")
}

// Run the REPL over lines received on c, writing to stdout.
func (r *REPL) RunChan(c chan string, clientId uuid.UUID, prompt string) {
	r.run(c, os.Stdout, clientId, prompt)
}

func (r *REPL) run(c <-chan string, writer io.Writer, clientId uuid.UUID, prompt string) {
	replConfig := NewREPLConfig(writer, clientId)
	io.WriteString(writer, prompt)
	for payload := range c {
		if r.Execute(payload, replConfig) {
			break
		}
		io.WriteString(writer, prompt)
	}
	// Print an additional line if we encountered an EOF character.
	io.WriteString(writer, "\n")
}

// Execute one input line. Returns true if the client asked to leave.
func (r *REPL) Execute(payload string, replConfig *REPLConfig) bool {
	writer := replConfig.GetWriter()
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return false
	}
	trigger := cleanInput(fields[0])
	switch trigger {
	case ".help":
		io.WriteString(writer, r.HelpString())
		return false
	case ".exit", "eof":
		return true
	}
	command, exists := r.commands[trigger]
	if !exists {
		io.WriteString(writer, "command not found\n")
		return false
	}
	if err := command(payload, replConfig); err != nil {
		io.WriteString(writer, fmt.Sprintf("%v\n", err))
	}
	return false
}

// cleanInput preprocesses input to the repl.
func cleanInput(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
