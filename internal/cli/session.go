package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourhiddentrip/tripcollab/internal/collab"
	"github.com/yourhiddentrip/tripcollab/internal/identity"
	"github.com/yourhiddentrip/tripcollab/internal/remote"
	"github.com/yourhiddentrip/tripcollab/pkg/logger"
)

type target struct {
	tripID    string
	sessionID string
}

// syncWriter serializes event output and command replies.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func runSession(cmd *cobra.Command, opts *RootOptions, tgt target) error {
	level, _ := logger.ParseLevel(opts.LogLevel)
	log := logger.New(logger.Config{
		Service: "collab",
		Env:     logger.EnvDev,
		Backend: logger.BackendStd,
		Level:   level,
		Output:  cmd.ErrOrStderr(),
	})

	st, err := identity.Open(opts.StatePath)
	if err != nil {
		return wrapExit(ExitCommandError, "open state", err)
	}
	defer st.Close()

	userID := opts.UserID
	if userID == "" {
		if userID, err = st.UserID(); err != nil {
			return wrapExit(ExitCommandError, "load user id", err)
		}
	}

	api, err := remote.New(opts.Server, nil)
	if err != nil {
		return wrapExit(ExitCommandError, "server", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &syncWriter{w: cmd.OutOrStdout()}
	client := collab.NewClient(api, collab.Options{Logger: log})
	client.Subscribe(func(ev collab.Event) {
		if line := formatEvent(ev, client.UserID()); line != "" {
			out.printf("%s\n", line)
		}
	})

	profile := collab.Profile{UserID: userID, DisplayName: opts.Name, AvatarURL: opts.Avatar}
	if tgt.sessionID == "" {
		err = client.Start(ctx, tgt.tripID, profile)
	} else {
		err = client.Join(ctx, tgt.sessionID, profile)
	}
	if err != nil {
		return wrapExit(ExitFailure, "join session", err)
	}
	out.printf("session %s, you are %s. Type \"help\" for commands.\n", client.SessionID(), client.UserID())

	save := func() {
		err := st.SaveLast(identity.LastSession{
			Server:    opts.Server,
			SessionID: client.SessionID(),
			TripID:    tgt.tripID,
			Watermark: client.Watermark(),
		})
		if err != nil {
			log.Warn("save resume point", "err", err)
		}
	}
	save()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
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
			save()
			client.Detach()
			out.printf("detached; run \"collab rejoin\" to come back\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				save()
				client.Detach()
				return nil
			}
			act, err := execLine(client, line, out)
			if err != nil {
				out.printf("error: %v\n", err)
				if errors.Is(err, collab.ErrDisconnected) {
					save()
					client.Detach()
					return wrapExit(ExitFailure, "connection lost", err)
				}
				continue
			}
			switch act {
			case actionLeave:
				client.Flush()
				if err := client.Leave(context.WithoutCancel(ctx)); err != nil {
					return wrapExit(ExitFailure, "leave", err)
				}
				if err := st.ClearLast(); err != nil {
					log.Warn("clear resume point", "err", err)
				}
				out.printf("left session\n")
				return nil
			case actionDetach:
				client.Flush()
				save()
				client.Detach()
				out.printf("detached; run \"collab rejoin\" to come back\n")
				return nil
			}
		}
	}
}
