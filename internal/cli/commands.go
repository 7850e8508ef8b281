package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yourhiddentrip/tripcollab/internal/collab"
	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

type lineAction int

const (
	actionNone lineAction = iota
	actionLeave
	actionDetach
)

var errUsage = errors.New("usage")

const helpText = `commands:
  stop add <name>            add a stop
  stop rm <stop-id>          remove a stop
  stop rename <id> <name>    rename a stop
  stop set <id> k=v ...      set name, notes, day, position, lat or lng
  stops                      list the itinerary
  say <text>                 post a comment
  read                       mark comments as read
  who                        list participants
  reconnect                  reopen the live connection
  leave                      leave the session
  quit                       detach, keep the session for "collab rejoin"
`

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

// execLine runs one interactive command against c.
func execLine(c *collab.Client, line string, out *syncWriter) (lineAction, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return actionNone, nil
	}
	rest := func(n int) string { return strings.Join(fields[n:], " ") }

	switch fields[0] {
	case "help", "?":
		out.printf("%s", helpText)
	case "stop":
		if len(fields) < 2 {
			return actionNone, usage("stop add|rm|rename|set ...")
		}
		return actionNone, execStop(c, fields[1], fields[2:], out)
	case "stops":
		st := c.State()
		if len(st.Stops) == 0 {
			out.printf("no stops yet\n")
		}
		for i, s := range st.Stops {
			out.printf("%2d. %s  [%s]%s\n", i+1, s.Name, s.StopID, dayLabel(s.Day))
		}
	case "say":
		if len(fields) < 2 {
			return actionNone, usage("say <text>")
		}
		return actionNone, c.AddComment(rest(1))
	case "read":
		c.MarkRead()
	case "who":
		for _, p := range c.State().Participants {
			me := ""
			if p.UserID == c.UserID() {
				me = " (you)"
			}
			out.printf("%s%s\n", p.Name(), me)
		}
	case "reconnect":
		return actionNone, c.Reconnect()
	case "leave":
		return actionLeave, nil
	case "quit", "exit":
		return actionDetach, nil
	default:
		return actionNone, usage(fmt.Sprintf("unknown command %q, try help", fields[0]))
	}
	return actionNone, nil
}

func execStop(c *collab.Client, sub string, args []string, out *syncWriter) error {
	switch sub {
	case "add":
		if len(args) == 0 {
			return usage("stop add <name>")
		}
		s, err := c.AddStop(domain.Stop{Name: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		out.printf("added %s [%s]\n", s.Name, s.StopID)
		return nil
	case "rm":
		if len(args) != 1 {
			return usage("stop rm <stop-id>")
		}
		return c.RemoveStop(args[0])
	case "rename":
		if len(args) < 2 {
			return usage("stop rename <stop-id> <name>")
		}
		name := strings.Join(args[1:], " ")
		return c.UpdateStop(args[0], domain.StopPatchFields{Name: &name})
	case "set":
		if len(args) < 2 {
			return usage("stop set <stop-id> field=value ...")
		}
		fields, err := parsePatch(args[1:])
		if err != nil {
			return err
		}
		return c.UpdateStop(args[0], fields)
	}
	return usage(fmt.Sprintf("unknown stop command %q", sub))
}

// parsePatch reads field=value pairs. A word without '=' continues the
// preceding name or notes value.
func parsePatch(args []string) (domain.StopPatchFields, error) {
	var (
		f    domain.StopPatchFields
		text *string
	)
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			if text == nil {
				return f, usage(fmt.Sprintf("expected field=value, got %q", a))
			}
			*text += " " + a
			continue
		}
		text = nil
		switch key {
		case "name":
			v := val
			f.Name, text = &v, &v
		case "notes":
			v := val
			f.Notes, text = &v, &v
		case "day", "position":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return f, usage(fmt.Sprintf("%s must be a non-negative number", key))
			}
			if key == "day" {
				f.Day = &n
			} else {
				f.Position = &n
			}
		case "lat", "lng":
			x, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return f, usage(fmt.Sprintf("%s must be a number", key))
			}
			if key == "lat" {
				f.Lat = &x
			} else {
				f.Lng = &x
			}
		default:
			return f, usage(fmt.Sprintf("unknown stop field %q", key))
		}
	}
	return f, nil
}

func dayLabel(day int) string {
	if day <= 0 {
		return ""
	}
	return fmt.Sprintf(" day %d", day)
}

// formatEvent renders ev for the terminal. Events without a line return "".
func formatEvent(ev collab.Event, self string) string {
	switch ev.Kind {
	case collab.EventNotification:
		return "* " + ev.Message
	case collab.EventStopAdded:
		if ev.Stop == nil {
			return ""
		}
		return fmt.Sprintf("+ stop %s [%s]", ev.Stop.Name, ev.Stop.StopID)
	case collab.EventStopRemoved:
		return fmt.Sprintf("- stop [%s]", ev.StopID)
	case collab.EventStopUpdated:
		if ev.Stop == nil {
			return fmt.Sprintf("~ stop [%s]", ev.StopID)
		}
		return fmt.Sprintf("~ stop %s [%s]", ev.Stop.Name, ev.Stop.StopID)
	case collab.EventCommentAdded:
		if ev.Comment == nil {
			return ""
		}
		who := ev.UserID
		if who == self {
			who = "you"
		}
		return fmt.Sprintf("%s: %s", who, ev.Comment.Text)
	case collab.EventConnection:
		switch ev.Conn {
		case collab.ConnReconnecting:
			return fmt.Sprintf("! connection lost, retry %d in %s", ev.Attempt, ev.RetryIn)
		case collab.ConnConnected:
			return "! live updates connected"
		}
	case collab.EventPhaseChanged:
		if ev.Phase == collab.PhaseTerminal {
			return "! connection lost for good, type quit and run \"collab rejoin\""
		}
	case collab.EventSyncFailed:
		return "! " + ev.Message
	}
	return ""
}
