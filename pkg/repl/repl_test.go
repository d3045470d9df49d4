package repl

import (
	"bytes"
	"strings"
	"testing"

	uuid "github.com/google/uuid"
	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rwBuffer struct {
	in  *strings.Reader
	out *bytes.Buffer
}

func (b *rwBuffer) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuffer) Write(p []byte) (int, error) { return b.out.Write(p) }

func echoRepl(t *testing.T) *REPL {
	r := NewRepl()
	require.NoError(t, r.AddCommand("echo", func(payload string, cfg *REPLConfig) error {
		_, err := cfg.GetWriter().Write([]byte(strings.Join(strings.Fields(payload)[1:], " ") + "\n"))
		return err
	}, "Print the arguments. usage: echo <args>"))
	require.NoError(t, r.AddCommand("fail", func(string, *REPLConfig) error {
		return errors.New("boom")
	}, "Always fails. usage: fail"))
	return r
}

func TestRunExecutesLines(t *testing.T) {
	r := echoRepl(t)
	rw := &rwBuffer{in: strings.NewReader("echo a b\n\nfail\nnope\n.exit\necho unreachable\n"), out: new(bytes.Buffer)}
	r.Run(rw, uuid.New(), "> ")
	assert.Equal(t, "> a b\n> > boom\n> command not found\n> \n", rw.out.String())
}

func TestRunStopsAtEOF(t *testing.T) {
	r := echoRepl(t)
	rw := &rwBuffer{in: strings.NewReader("ECHO x"), out: new(bytes.Buffer)}
	r.Run(rw, uuid.New(), "> ")
	assert.Equal(t, "> x\n> \n", rw.out.String())
}

func TestRunChanPassesClientId(t *testing.T) {
	id := uuid.New()
	var seen uuid.UUID
	r := NewRepl()
	require.NoError(t, r.AddCommand("who", func(_ string, cfg *REPLConfig) error {
		seen = cfg.GetAddr()
		return nil
	}, "usage: who"))
	c := make(chan string, 2)
	c <- "who"
	close(c)
	out := new(bytes.Buffer)
	r.run(c, out, id, "")
	assert.Equal(t, id, seen)
	assert.Equal(t, "\n", out.String())
}

func TestAddCommandRejectsMetaCommands(t *testing.T) {
	r := NewRepl()
	assert.Error(t, r.AddCommand(".help", func(string, *REPLConfig) error { return nil }, ""))
	assert.Empty(t, r.GetCommands())
}

func TestCombineRepls(t *testing.T) {
	a := echoRepl(t)
	b := NewRepl()
	require.NoError(t, b.AddCommand("other", func(string, *REPLConfig) error { return nil }, "usage: other"))
	combined, err := CombineRepls([]*REPL{a, b})
	require.NoError(t, err)
	assert.Len(t, combined.GetCommands(), 3)
	assert.Equal(t, "echo: Print the arguments. usage: echo <args>\nfail: Always fails. usage: fail\nother: usage: other\n", combined.HelpString())

	_, err = CombineRepls([]*REPL{a, echoRepl(t)})
	assert.Error(t, err)
}
