package repl

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/drpcorg/ycrdt"
	"github.com/drpcorg/ycrdt/utils"
	"github.com/ergochat/readline"
)

// REPL is a shell over named in-memory documents.
type REPL struct {
	Out io.Writer
	Log utils.Logger

	// docs are shared with the http handlers
	mu     sync.Mutex
	docs   map[string]*ycrdt.Doc
	snaps  map[string]*ycrdt.Snapshot
	rl     *readline.Instance
	server *http.Server
}

var (
	ErrBadPath     = errors.New("bad path")
	ErrUnknownDoc  = errors.New("unknown document")
	ErrDocExists   = errors.New("document exists")
	ErrBadArgument = errors.New("bad argument")
)

func New(out io.Writer, log utils.Logger) *REPL {
	if log == nil {
		log = utils.NewDiscardLogger()
	}
	return &REPL{
		Out:   out,
		Log:   log,
		docs:  make(map[string]*ycrdt.Doc),
		snaps: make(map[string]*ycrdt.Snapshot),
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("new"),
	readline.PcItem("docs"),
	readline.PcItem("insert"),
	readline.PcItem("write"),
	readline.PcItem("delete"),
	readline.PcItem("set"),
	readline.PcItem("unset"),
	readline.PcItem("show"),
	readline.PcItem("ls"),

	readline.PcItem("sv"),
	readline.PcItem("sync"),
	readline.PcItem("update"),
	readline.PcItem("apply"),
	readline.PcItem("dump"),
	readline.PcItem("obfuscate"),
	readline.PcItem("snapshot"),
	readline.PcItem("gc"),

	readline.PcItem("serve"),
	readline.PcItem("pull"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(historyFile string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.server != nil {
		_ = repl.server.Close()
		repl.server = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	repl.mu.Lock()
	defer repl.mu.Unlock()
	for _, doc := range repl.docs {
		doc.Destroy()
	}
	return nil
}

// REPL reads and executes one line.
func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt {
		if len(line) != 0 {
			return nil
		}
		return io.EOF
	}
	if err != nil {
		return err
	}
	return repl.Execute(line)
}

// Execute runs one command line; io.EOF means the session is over.
func (repl *REPL) Execute(line string) (err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd := args[0]
	args = args[1:]
	if cmd != "pull" {
		// pull locks around doc access only, its request may hit our own server
		repl.mu.Lock()
		defer repl.mu.Unlock()
	}
	switch cmd {
	case "help":
		err = repl.CommandHelp(args)
	// ----- documents -----
	case "new":
		err = repl.CommandNew(args)
	case "docs":
		err = repl.CommandDocs(args)
	// ----- editing -----
	case "insert":
		err = repl.CommandInsert(args)
	case "write":
		err = repl.CommandWrite(args)
	case "delete":
		err = repl.CommandDelete(args)
	case "set":
		err = repl.CommandSet(args)
	case "unset":
		err = repl.CommandUnset(args)
	case "show", "cat":
		err = repl.CommandShow(args)
	case "ls", "list":
		err = repl.CommandList(args)
	// ----- replication -----
	case "sv":
		err = repl.CommandSV(args)
	case "sync":
		err = repl.CommandSync(args)
	case "update":
		err = repl.CommandUpdate(args)
	case "apply":
		err = repl.CommandApply(args)
	// ----- debug -----
	case "dump":
		err = repl.CommandDump(args)
	case "obfuscate":
		err = repl.CommandObfuscate(args)
	case "snapshot":
		err = repl.CommandSnapshot(args)
	case "gc":
		err = repl.CommandGC(args)
	// ----- networking -----
	case "serve":
		err = repl.CommandServe(args)
	case "pull":
		err = repl.CommandPull(args)
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

func (repl *REPL) doc(name string) (*ycrdt.Doc, error) {
	doc, ok := repl.docs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDoc, name)
	}
	return doc, nil
}

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.Out, format, args...)
}
