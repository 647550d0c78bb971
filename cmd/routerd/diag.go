package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meshguard/routerd/internal/config"
	"github.com/meshguard/routerd/internal/statestore"
	"github.com/meshguard/routerd/internal/supervisor"
)

// diagShell is an interactive, read-mostly REPL against the agent's own
// state store and adapters, for on-box troubleshooting without a control
// plane connection. Its command-loop shape follows the teacher's
// cmd/newtron shell.go (a prompt, a reader, a name->func command map).
type diagShell struct {
	store    *statestore.Store
	cfg      *config.Config
	reader   *bufio.Reader
	commands map[string]func(args []string)
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Interactive diagnostic shell against the agent's local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiag()
	},
}

func runDiag() error {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return err
	}
	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	s := &diagShell{store: store, cfg: cfg, reader: bufio.NewReader(os.Stdin)}
	s.commands = map[string]func(args []string){
		"mode":      s.cmdMode,
		"versions":  s.cmdVersions,
		"adapters":  s.cmdAdapters,
		"telemetry": s.cmdTelemetry,
		"help":      s.cmdHelp,
		"?":         s.cmdHelp,
	}
	return s.run()
}

func (s *diagShell) run() error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("routerd diag — local agent inspector. Type 'help' for commands.")
	}

	for {
		if interactive {
			fmt.Print("routerd> ")
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, rest := fields[0], fields[1:]

		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		fn, ok := s.commands[cmd]
		if !ok {
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
			continue
		}
		fn(rest)
	}
}

func (s *diagShell) cmdMode(args []string) {
	fmt.Println(s.store.Mode())
}

func (s *diagShell) cmdVersions(args []string) {
	for section, v := range s.store.AllLastAppliedVersions() {
		fmt.Printf("%s\t%d\n", section, v)
	}
}

func (s *diagShell) cmdAdapters(args []string) {
	for _, name := range s.cfg.Adapters {
		fmt.Println(name)
	}
}

func (s *diagShell) cmdTelemetry(args []string) {
	adapters := supervisor.BuildAdaptersForDiag(s.cfg)
	for _, a := range adapters {
		partial, err := a.CollectMetrics(context.Background())
		if err != nil {
			fmt.Printf("%s: error: %v\n", a.Name(), err)
			continue
		}
		data, _ := json.Marshal(partial)
		fmt.Printf("%s: %s\n", a.Name(), data)
	}
}

func (s *diagShell) cmdHelp(args []string) {
	fmt.Println("mode       show the current operating mode")
	fmt.Println("versions   show last applied config versions per section")
	fmt.Println("adapters   list enabled adapters")
	fmt.Println("telemetry  collect and print one metrics sample per adapter")
	fmt.Println("quit       leave the shell")
}
