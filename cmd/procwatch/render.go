package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	procwatch "github.com/procwatch-io/procwatch"
)

const unavailable = "<unavailable>"

// renderer writes one line per resolved event. It remembers the executable
// shown on a pid's exec line so the matching exit line can name it even
// when the process was already gone by the time the exit was resolved.
// Correlating the two lines is left to the reader.
type renderer struct {
	out      io.Writer
	exitLine *color.Color
	names    map[int]string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:      out,
		exitLine: color.New(color.FgRed),
		names:    make(map[int]string),
	}
}

func (r *renderer) render(ev procwatch.ResolvedEvent) {
	switch ev.EventType {
	case procwatch.ProcessExecEvent:
		name := unavailable
		var cmdline string
		if ev.Executable != nil {
			name = ev.Executable.Path
			cmdline = ev.Executable.CmdLine
			r.names[ev.PID] = name
		}
		line := fmt.Sprintf("exec(%d) %s", ev.PID, name)
		if cmdline != "" {
			line = fmt.Sprintf("%s [%s]", line, cmdline)
		}
		fmt.Fprintln(r.out, line)
	case procwatch.ProcessExitEvent:
		name, ok := r.names[ev.PID]
		switch {
		case ok:
			delete(r.names, ev.PID)
		case ev.Executable != nil:
			name = ev.Executable.Path
		default:
			name = unavailable
		}
		r.exitLine.Fprintf(r.out, "exit(%d) %s\n", ev.PID, name)
	}
}
