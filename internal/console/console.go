// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package console reads operator commands from the terminal.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Command is an operator request.
type Command int

const (
	CommandNone Command = iota
	CommandHelp
	CommandQuit
)

func (c Command) String() string {
	switch c {
	case CommandHelp:
		return "help"
	case CommandQuit:
		return "quit"
	}
	return "none"
}

// ParseCommand maps an input line to a command. q quits, a blank line is
// ignored and anything else asks for help.
func ParseCommand(line string) Command {
	input := strings.ToLower(strings.TrimSpace(line))
	switch input {
	case "":
		return CommandNone
	case "q", "quit", "exit":
		return CommandQuit
	}
	return CommandHelp
}

// Console wraps a readline instance and hands parsed commands to the server
// loop.
type Console struct {
	rl       *readline.Instance
	commands chan Command
}

// New creates a console on the process terminal.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vdevices> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{
		rl:       rl,
		commands: make(chan Command, 1),
	}, nil
}

// Commands returns the channel parsed commands are delivered on.
func (c *Console) Commands() <-chan Command {
	return c.commands
}

// Stdout returns a writer that coordinates with the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that coordinates with the prompt. Use it for log
// output while the console runs.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run reads lines until ctx is done, EOF or an interrupt. EOF and interrupt
// are delivered as CommandQuit.
func (c *Console) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.deliver(ctx, CommandQuit)
			return nil
		}
		cmd := ParseCommand(line)
		if cmd == CommandNone {
			continue
		}
		if !c.deliver(ctx, cmd) {
			return nil
		}
	}
}

func (c *Console) deliver(ctx context.Context, cmd Command) bool {
	select {
	case c.commands <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close releases the terminal
func (c *Console) Close() error {
	return c.rl.Close()
}

// PrintHelp writes the key list to w.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `
Commands:
  h, help   Show this help
  q, quit   Stop the server`)
}
