package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"
)

const usage = `usage: drexpay [command]

commands:
  (none) | tui [--remote] [--url URL]       open the ledger screen
  auth set-pin                              set the manager PIN
  serve [--addr ADDR]                       run the HTTP API
  ledger [--period P] [--service S] [--member M] [--review] [--json] [--remote]
  report --member M --service S [--method X] [--period P] [--remote]
  confirm --member M --service S [--period P] [--remote]
  toggle --member M --service S [--method X] [--period P] [--remote]
  member add --name N [--services a,b] [--remote]
  member rm --id ID [--remote]
  db wipe                                   delete the local database files
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "drexpay: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return runTUI(ctx, nil)
	}

	switch args[0] {
	case "tui":
		return runTUI(ctx, args[1:])
	case "auth":
		if len(args) == 2 && args[1] == "set-pin" {
			return runAuthSetPIN()
		}
		return errors.New("usage: drexpay auth set-pin")
	case "serve":
		return runServe(ctx, args[1:])
	case "ledger":
		return runLedger(ctx, args[1:])
	case "report":
		return runMutation(ctx, "report", args[1:])
	case "confirm":
		return runMutation(ctx, "confirm", args[1:])
	case "toggle":
		return runMutation(ctx, "toggle", args[1:])
	case "member":
		if len(args) >= 2 && args[1] == "add" {
			return runMemberAdd(ctx, args[2:])
		}
		if len(args) >= 2 && args[1] == "rm" {
			return runMemberRemove(ctx, args[2:])
		}
		return errors.New("usage: drexpay member add|rm")
	case "db":
		if len(args) == 2 && args[1] == "wipe" {
			return runDBWipe()
		}
		return errors.New("usage: drexpay db wipe")
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		value, err := term.ReadPassword(fd)
		if err != nil {
			return "", err
		}
		return string(value), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		if len(line) == 0 {
			return "", err
		}
	}
	return strings.TrimSpace(line), nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	value, err := readSecret()
	fmt.Fprintln(os.Stderr)
	return value, err
}
