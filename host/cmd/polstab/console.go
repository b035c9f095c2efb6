package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/google/shlex"

	"polstab/host/bus"
	"polstab/host/stage"
	"polstab/protocol"
)

// console reads stage commands line by line.
type console struct {
	bus *bus.Bus
	in  io.Reader
	out io.Writer
}

func newConsole(b *bus.Bus, in io.Reader, out io.Writer) *console {
	return &console{bus: b, in: in, out: out}
}

func (c *console) run() error {
	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			break
		}
		quit, err := c.exec(scanner.Text())
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// exec runs one line. quit is true when the user asked to leave.
func (c *console) exec(line string) (quit bool, err error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return false, err
	}
	if len(parts) == 0 {
		return false, nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		c.printHelp()

	case "list", "pos":
		for _, st := range c.bus.Stages() {
			fmt.Fprintf(c.out, "%-8s addr %s  %9.3f°  homed=%v\n", st.Name(), st.Address(), st.PositionDeg(), st.Homed())
		}

	case "info":
		c.bus.PrintInfo(c.out)

	case "home":
		st, err := c.stage(args, 1)
		if err != nil {
			return false, err
		}
		dir := stage.HomeClockwise
		if len(args) > 1 {
			if dir, err = strconv.Atoi(args[1]); err != nil {
				return false, fmt.Errorf("direction: %w", err)
			}
		}
		if err := st.Home(dir); err != nil {
			return false, err
		}
		c.printPosition(st)

	case "move", "rel":
		st, err := c.stage(args, 2)
		if err != nil {
			return false, err
		}
		deg, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return false, fmt.Errorf("angle: %w", err)
		}
		if cmd == "move" {
			err = st.MoveAbsoluteDeg(deg)
		} else {
			err = st.MoveRelativeDeg(deg)
		}
		if err != nil {
			return false, err
		}
		c.printPosition(st)

	case "pulses":
		st, err := c.stage(args, 2)
		if err != nil {
			return false, err
		}
		p, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil {
			return false, fmt.Errorf("pulses: %w", err)
		}
		if err := st.MoveAbsolute(int32(p)); err != nil {
			return false, err
		}
		c.printPosition(st)

	case "stop":
		st, err := c.stage(args, 1)
		if err != nil {
			return false, err
		}
		if err := st.Stop(); err != nil {
			return false, err
		}
		c.printPosition(st)

	case "status":
		st, err := c.stage(args, 1)
		if err != nil {
			return false, err
		}
		s, err := st.Status()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%s: %s\n", st.Name(), s)

	case "raw":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: raw <address> <opcode> [payload]")
		}
		addr, err := protocol.ParseAddress(args[0])
		if err != nil {
			return false, err
		}
		payload := ""
		if len(args) > 2 {
			payload = args[2]
		}
		reply, err := c.bus.Link().Exchange(protocol.EncodeCommand(addr, protocol.Opcode(args[1]), payload))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%q\n", reply)

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for available commands)\n", cmd)
	}
	return false, nil
}

// stage resolves args[0] and checks the argument count.
func (c *console) stage(args []string, n int) (*stage.Stage, error) {
	if len(args) < n {
		return nil, fmt.Errorf("expected %d argument(s), got %d", n, len(args))
	}
	st, ok := c.bus.Lookup(args[0])
	if !ok {
		return nil, fmt.Errorf("no stage %q", args[0])
	}
	return st, nil
}

func (c *console) printPosition(st *stage.Stage) {
	fmt.Fprintf(c.out, "%s: %.3f°\n", st.Name(), st.PositionDeg())
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, "\nAvailable commands:")
	fmt.Fprintln(c.out, "  help                      - Show this help message")
	fmt.Fprintln(c.out, "  list                      - Show cached stage positions")
	fmt.Fprintln(c.out, "  info                      - Print identification and status")
	fmt.Fprintln(c.out, "  home <stage> [dir]        - Home a stage (0 cw, 1 ccw)")
	fmt.Fprintln(c.out, "  move <stage> <deg>        - Move to an absolute angle")
	fmt.Fprintln(c.out, "  rel <stage> <deg>         - Move by a relative angle")
	fmt.Fprintln(c.out, "  pulses <stage> <n>        - Move to an absolute pulse count")
	fmt.Fprintln(c.out, "  stop <stage>              - Stop and report the position")
	fmt.Fprintln(c.out, "  status <stage>            - Query the status register")
	fmt.Fprintln(c.out, "  raw <addr> <op> [payload] - Send a raw command")
	fmt.Fprintln(c.out, "  quit/exit/q               - Exit the program")
	fmt.Fprintln(c.out)
}
