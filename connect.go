package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oupson/flatline/internal/config"
	"github.com/oupson/flatline/internal/crypto"
	"github.com/oupson/flatline/internal/database"
	"github.com/oupson/flatline/internal/ptyio"
	"github.com/oupson/flatline/internal/sshaudit"
	"github.com/oupson/flatline/internal/sshauth"
	"github.com/oupson/flatline/internal/sshterminal"
)

type connectOptions struct {
	user    string
	lenient bool
	noAudit bool
	record  string
}

func connectCmd() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect <host[:port]|profile>",
		Short: "Open an interactive shell on a remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.user, "user", "l", "", "remote user name (default: profile, FLATLINE_SSH_USERNAME or your login name)")
	cmd.Flags().BoolVar(&opts.lenient, "lenient", false, "continue when the server refuses the pty or env request")
	cmd.Flags().BoolVar(&opts.noAudit, "no-audit", false, "do not write this session to the audit log")
	cmd.Flags().StringVar(&opts.record, "record", "", "save an asciinema recording into this directory")
	return cmd
}

// buildConfig resolves target against the host profiles and the settings.
func buildConfig(target string, s config.Settings, opts connectOptions, extra ...sshterminal.Option) (sshterminal.Config, error) {
	hostsPath, err := s.HostsPath()
	if err != nil {
		return sshterminal.Config{}, err
	}
	hosts, err := config.LoadHosts(hostsPath)
	if err != nil {
		return sshterminal.Config{}, err
	}

	address, user, termType := target, s.Username, s.RemoteTerm
	verifier, err := s.HostKeyVerifier()
	if err != nil {
		return sshterminal.Config{}, err
	}
	if p, ok := hosts[target]; ok {
		address = p.Address
		if p.User != "" {
			user = p.User
		}
		if p.Term != "" {
			termType = p.Term
		}
		pv, err := p.Verifier()
		if err != nil {
			return sshterminal.Config{}, err
		}
		if pv != nil {
			verifier = pv
		}
	}
	if opts.user != "" {
		user = opts.user
	}

	recordDir := s.RecordingDir
	if opts.record != "" {
		recordDir = opts.record
	}
	recordKey, err := s.RecordingFernetKey()
	if err != nil {
		return sshterminal.Config{}, err
	}
	if recordDir != "" {
		log.Printf("[connect] recording sessions to %s (key %s)", recordDir, crypto.Mask(s.RecordingKey))
	}

	return sshterminal.NewConfig(address, append([]sshterminal.Option{
		sshterminal.WithUsername(user),
		sshterminal.WithAgentSocket(s.AgentSocket),
		sshterminal.WithHostKeyVerifier(verifier),
		sshterminal.WithConnectTimeout(s.ConnectTimeout),
		sshterminal.WithKeepalive(s.KeepaliveInterval),
		sshterminal.WithStrictSetup(s.StrictChannelSetup && !opts.lenient),
		sshterminal.WithTerm(termType),
		sshterminal.WithQueueSize(s.ControlQueueSize),
		sshterminal.WithReadBufferSize(s.ReadBufferSize),
		sshterminal.WithRecording(recordDir, recordKey),
	}, extra...)...)
}

// openAuditor opens the audit database. The caller closes the returned
// database.
func openAuditor(s config.Settings) (*sshaudit.Auditor, func(), error) {
	path, err := s.AuditDBPath()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, nil, err
	}
	auditor, err := sshaudit.NewAuditor(db, s.AuditRetentionDays)
	if err != nil {
		database.Close(db)
		return nil, nil, err
	}
	return auditor, func() { database.Close(db) }, nil
}

func runConnect(ctx context.Context, target string, opts connectOptions) error {
	s := config.Cfg

	extra := []sshterminal.Option{
		sshterminal.WithStateCallback(func(id string, from, to sshterminal.SessionState) {
			log.Printf("[connect] session %s: %s -> %s", id, from, to)
		}),
	}
	if !opts.noAudit {
		auditor, closeDB, err := openAuditor(s)
		if err != nil {
			log.Printf("[connect] WARNING: audit log disabled: %v", err)
		} else {
			defer closeDB()
			extra = append(extra, sshterminal.WithAudit(auditor))
		}
	}
	cfg, err := buildConfig(target, s, opts, extra...)
	if err != nil {
		return err
	}

	mgr := sshterminal.NewManager()
	defer mgr.CloseAll()

	h, err := mgr.Spawn(ctx, cfg)
	if err != nil {
		return err
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil {
			ptyio.Setsize(h.Master, uint16(cols), uint16(rows))
		}
		h.SyncSize()

		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(stop)

	go func() {
		for {
			select {
			case <-winch:
				if cols, rows, err := term.GetSize(fd); err == nil {
					if err := ptyio.Setsize(h.Master, uint16(cols), uint16(rows)); err != nil {
						log.Printf("[connect] set pty size: %v", err)
						continue
					}
					h.SyncSize()
				}
			case sig := <-stop:
				log.Printf("[connect] received %s, closing sessions", sig)
				mgr.CloseAll()
				return
			case <-h.Done():
				return
			}
		}
	}()

	go io.Copy(h.Master, os.Stdin)

	output := make(chan struct{})
	go func() {
		defer close(output)
		io.Copy(os.Stdout, h.Master)
	}()

	sessionErr := h.Wait()
	h.Close()
	<-output

	if sessionErr != nil {
		return describeFailure(target, sessionErr)
	}
	fmt.Fprintf(os.Stderr, "\r\nConnection to %s closed (%s).\r\n", target, h.EndReason())
	return nil
}

// describeFailure adds a hint for the failures a user can fix locally.
func describeFailure(target string, err error) error {
	switch {
	case errors.Is(err, sshauth.ErrAgentUnavailable):
		return fmt.Errorf("%s: %w (is ssh-agent running and SSH_AUTH_SOCK set?)", target, err)
	case errors.Is(err, sshauth.ErrNoIdentities):
		return fmt.Errorf("%s: %w (add a key with ssh-add)", target, err)
	default:
		return fmt.Errorf("%s: %w", target, err)
	}
}
