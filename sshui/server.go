package sshui

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/eventbus"
)

// AuthStore validates SSH logins. Public key and password+TOTP are
// alternatives: either one admits the client.
type AuthStore interface {
	IsAuthorized(username string, key ssh.PublicKey) (bool, error)
	Authenticate(username, password, totpCode string) error
}

// Server exposes the workspace over SSH. Every accepted connection becomes
// one attach surface with a durable tab identity derived from the login.
type Server struct {
	Addr        string
	HostKeyPath string
	Listener    net.Listener
	Service     core.Service
	AuthStore   AuthStore
	EventBus    *eventbus.Bus
	logger      pslog.Logger
}

type authContextKey string

const authFingerprint authContextKey = "auth-fingerprint"

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}

	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	if s.Service == nil {
		return errors.New("service is required for SSH")
	}
	if s.AuthStore == nil {
		return errors.New("auth store is required for SSH")
	}

	server := &gliderssh.Server{
		Addr:                       s.Addr,
		Handler:                    s.handleSession,
		PublicKeyHandler:           s.handlePublicKey,
		KeyboardInteractiveHandler: s.handleKeyboardInteractive,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	fingerprint := ssh.FingerprintSHA256(key)
	remote := remoteAddr(ctx)
	user := ctx.User()
	if user == "" {
		log.Warn("ssh pubkey rejected", "reason", "missing user", "remote", remote, "fingerprint", fingerprint)
		return false
	}
	log = log.With("user", user, "remote", remote, "fingerprint", fingerprint)
	ok, err := s.AuthStore.IsAuthorized(user, key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	ctx.SetValue(authFingerprint, fingerprint)
	log.Info("ssh pubkey accepted")
	return true
}

func (s *Server) handleKeyboardInteractive(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	remote := remoteAddr(ctx)
	user := ctx.User()
	if user == "" {
		log.Warn("ssh login rejected", "reason", "missing user", "remote", remote)
		return false
	}
	log = log.With("user", user, "remote", remote)
	answers, err := challenger(user, "", []string{"password: ", "verification code: "}, []bool{false, false})
	if err != nil {
		log.Warn("ssh login rejected", "reason", "challenge failed", "err", err)
		return false
	}
	if len(answers) != 2 {
		log.Warn("ssh login rejected", "reason", "invalid answer count", "count", len(answers))
		return false
	}
	if err := s.AuthStore.Authenticate(user, answers[0], answers[1]); err != nil {
		log.Warn("ssh login rejected", "reason", "invalid credentials", "err", err)
		return false
	}
	log.Info("ssh login accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	user := sess.User()
	if user == "" {
		log.Info("ssh session rejected", "reason", "missing user", "remote", sess.RemoteAddr().String())
		_, _ = io.WriteString(sess, "missing user\n")
		return
	}
	remote := sess.RemoteAddr().String()
	log = log.With("user", user, "remote", remote)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		return
	}

	scope := surfaceScope(user, sess.Context())
	log.Info("ssh session opened", "term", pty.Term, "scope", scope)
	cl := newClient(sess, s.Service, s.EventBus, scope, log)
	cl.SetSize(pty.Window.Width, pty.Window.Height)
	_ = cl.Run(sess.Context(), winCh)
	log.Info("ssh session closed", "scope", scope)
}

// surfaceScope derives the durable surface identity for a login. Clients
// authenticated by public key get a per-key scope, so each device keeps its
// own tab; password logins share one scope per user.
func surfaceScope(user string, ctx gliderssh.Context) string {
	if fp, ok := ctx.Value(authFingerprint).(string); ok && fp != "" {
		return "ssh:" + user + "@" + sanitizeFingerprint(fp)
	}
	return "ssh:" + user
}

// sanitizeFingerprint strips the base64 characters a scope may not contain.
func sanitizeFingerprint(fp string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-' || r == ':':
			return r
		}
		return -1
	}, fp)
}
