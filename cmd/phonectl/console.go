package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/arzzra/phonify/pkg/interaction"
	"github.com/arzzra/phonify/pkg/phone"
)

// errQuit пользователь ввел quit
var errQuit = errors.New("quit")

type command struct {
	name string
	arg  string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{name: strings.ToLower(fields[0])}
	switch cmd.name {
	case "call", "dial":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: call <number>")
		}
		cmd.name, cmd.arg = "call", fields[1]
	case "answer", "reject", "hangup", "mute", "unmute", "status", "help":
		if len(fields) != 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "bye", "end":
		cmd.name = "hangup"
	case "quit", "exit":
		cmd.name = "quit"
	default:
		return command{}, fmt.Errorf("unknown command %q, type help", fields[0])
	}
	return cmd, nil
}

// console читает команды построчно и передает их телефону
type console struct {
	phone *phone.Phone
	out   io.Writer
}

func newConsole(p *phone.Phone, out io.Writer) *console {
	return &console{phone: p, out: out}
}

// run обрабатывает ввод до quit или отмены ctx. Конец ввода не завершает работу.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			c.phone.Interact(interaction.KeyPress)
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}
	switch cmd.name {
	case "":
		return nil
	case "call":
		return c.phone.StartCall(ctx, cmd.arg)
	case "answer":
		return c.phone.AnswerCall(ctx)
	case "reject":
		return c.phone.RejectCall(ctx)
	case "hangup":
		return c.phone.EndCall(ctx)
	case "mute":
		return c.phone.Mute(ctx)
	case "unmute":
		return c.phone.Unmute(ctx)
	case "status":
		fmt.Fprintln(c.out, formatStatus(c.phone.Status()))
		return nil
	case "help":
		fmt.Fprintln(c.out, "commands: call <number>, answer, reject, hangup, mute, unmute, status, quit")
		return nil
	case "quit":
		return errQuit
	}
	return nil
}
