package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/drpcorg/ycrdt"
	"github.com/drpcorg/ycrdt/repl"
	"github.com/drpcorg/ycrdt/utils"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("YCRDT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)
	if err := ycrdt.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics not registered", "err", err)
	}

	re := repl.New(os.Stdout, log)
	defer re.Close()

	// arguments are commands run before the prompt, e.g. "new a 1"
	for _, cmd := range os.Args[1:] {
		if err := re.Execute(cmd); err != nil {
			if err == io.EOF {
				return
			}
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-2)
		}
	}

	// piped input runs as a script, without the prompt
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		os.Exit(batch(re, os.Stdin))
	}

	err := re.Open(os.ExpandEnv("$HOME/.ycrdt_cmd_log.txt"))
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
		err = re.REPL()
	}
}

func batch(re *repl.REPL, in io.Reader) int {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 0 && line[0] == '#' {
			continue
		}
		if err := re.Execute(line); err != nil {
			if err == io.EOF {
				return 0
			}
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			return 1
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
