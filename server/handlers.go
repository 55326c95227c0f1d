package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pigeon/protocol"
	"pigeon/store"
)

type handlerFunc func(sess *Session, f *protocol.Frame)

// Markers used by the read and view_conv streams so a client can tell an
// empty result from a dropped response.
const (
	bodyNoMessages    = "NO_MESSAGES"
	bodyEndOfMessages = "END_OF_MESSAGES"
	bodyNoHistory     = "No conversation history found"
)

// dispatch routes one decoded frame through the handler table. Unknown
// commands are reported and the connection stays open.
func (s *Server) dispatch(sess *Session, f *protocol.Frame) {
	handler, ok := s.handlers[f.Cmd]
	if !ok {
		sess.enqueue(&protocol.Frame{Cmd: protocol.CmdError, Body: "Unknown command", Error: true})
		return
	}
	handler(sess, f)
}

func (s *Server) sendOK(sess *Session, cmd protocol.Command, to, body string) {
	sess.enqueue(&protocol.Frame{Cmd: cmd, To: to, Body: body})
}

func (s *Server) sendError(sess *Session, cmd protocol.Command, body string) {
	sess.enqueue(&protocol.Frame{Cmd: cmd, Body: body, Error: true})
}

// requireAuth returns the session's username, reporting an error response
// when the session has not logged in.
func (s *Server) requireAuth(sess *Session, cmd protocol.Command) (string, bool) {
	username := sess.user()
	if username == "" {
		s.sendError(sess, cmd, "Not authenticated")
		return "", false
	}
	return username, true
}

func (s *Server) handleCreate(sess *Session, f *protocol.Frame) {
	username := f.From
	if username == "" || f.Password == "" {
		s.sendError(sess, f.Cmd, "Username and password required")
		return
	}

	err := s.store.CreateAccount(username, f.Password)
	if errors.Is(err, store.ErrUserExists) {
		s.sendError(sess, f.Cmd, "This username already exists")
		return
	}
	if err != nil {
		s.log.Error("create account failed", zap.String("user", username), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}

	s.log.Info("account created", zap.String("user", username))
	// Account creation does not authenticate the session.
	s.sendOK(sess, f.Cmd, username, "Account has been created!")
}

func (s *Server) handleLogin(sess *Session, f *protocol.Frame) {
	username := f.From
	if username == "" {
		s.sendError(sess, f.Cmd, "Username required")
		return
	}
	if sess.user() != "" {
		s.sendError(sess, f.Cmd, "Already logged in, log off first")
		return
	}

	switch err := s.store.Authenticate(username, f.Password); {
	case errors.Is(err, store.ErrUserNotFound):
		s.sendError(sess, f.Cmd, "Invalid or incorrect username")
		return
	case errors.Is(err, store.ErrBadCredentials):
		s.sendError(sess, f.Cmd, "Invalid or incorrect password")
		return
	case err != nil:
		s.log.Error("authenticate failed", zap.String("user", username), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}

	if !s.register(username, sess) {
		s.sendError(sess, f.Cmd, "You are already logged in!")
		return
	}
	sess.setUser(username)

	unread, err := s.store.UnreadCount(username)
	if err != nil {
		s.log.Error("unread count failed", zap.String("user", username), zap.Error(err))
	}
	s.log.Info("login", zap.String("user", username))
	s.sendOK(sess, f.Cmd, username, fmt.Sprintf("Login successful! You have %d messages", unread))
}

func (s *Server) handleSend(sess *Session, f *protocol.Frame) {
	sender, ok := s.requireAuth(sess, f.Cmd)
	if !ok {
		return
	}
	if f.To == "" {
		s.sendError(sess, f.Cmd, "Recipient required")
		return
	}
	if f.Body == "" {
		s.sendError(sess, f.Cmd, "Message text required")
		return
	}

	err := s.deliver(sender, f.To, f.Body)
	if errors.Is(err, store.ErrUserNotFound) {
		s.sendError(sess, f.Cmd, "User not found")
		return
	}
	if err != nil {
		s.log.Error("send failed", zap.String("from", sender), zap.String("to", f.To), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}
	// Whether the message was pushed or queued is not observable here.
	s.sendOK(sess, f.Cmd, f.To, "Your message has been sent")
}

// deliver is the delivery engine: append to the conversation history
// unconditionally, then push to the recipient's session if one is active,
// falling back to the inbox when the push cannot be completed.
func (s *Server) deliver(sender, recipient, body string) error {
	recipSess, online := s.getSession(recipient)

	msg, err := s.store.SaveMessage(sender, recipient, body, time.Now().UTC(), online)
	if err != nil {
		return err
	}
	if !online {
		return nil
	}

	pushed := recipSess.tryEnqueue(&protocol.Frame{
		Cmd:  protocol.CmdDeliver,
		From: sender,
		To:   recipient,
		Body: body,
	})
	if !pushed {
		// The recipient went away or is not draining its queue. Degrade to
		// the inbox instead of surfacing a transport error to the sender.
		if err := s.store.Requeue(msg); err != nil {
			return err
		}
		s.log.Info("push failed, message queued",
			zap.String("from", sender), zap.String("to", recipient), zap.Int64("id", msg.ID))
	}
	return nil
}

func (s *Server) handleRead(sess *Session, f *protocol.Frame) {
	username, ok := s.requireAuth(sess, f.Cmd)
	if !ok {
		return
	}

	// Body optionally carries the drain limit; absent or unparsable means
	// everything.
	limit := 0
	if f.Body != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(f.Body)); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := s.store.DrainInbox(username, limit)
	if err != nil {
		s.log.Error("drain inbox failed", zap.String("user", username), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}

	if len(messages) == 0 {
		sess.enqueue(&protocol.Frame{Cmd: f.Cmd, Body: bodyNoMessages})
		return
	}
	for i := range messages {
		sess.enqueue(&protocol.Frame{Cmd: f.Cmd, From: messages[i].Sender, Body: messages[i].Body})
	}
	sess.enqueue(&protocol.Frame{Cmd: f.Cmd, Body: bodyEndOfMessages})
}

func (s *Server) handleList(sess *Session, f *protocol.Frame) {
	pattern := f.Body
	if pattern == "" {
		pattern = "*"
	}

	matched, err := s.store.MatchAccounts(pattern)
	if err != nil {
		s.sendError(sess, f.Cmd, "Invalid wildcard pattern")
		return
	}
	s.sendOK(sess, f.Cmd, "", strings.Join(matched, ","))
}

func (s *Server) handleDeleteMsg(sess *Session, f *protocol.Frame) {
	username, ok := s.requireAuth(sess, f.Cmd)
	if !ok {
		return
	}

	var ids []int64
	for _, token := range strings.Split(f.Body, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			s.sendError(sess, f.Cmd, "Invalid message ids")
			return
		}
		ids = append(ids, id)
	}

	if err := s.store.DeleteMessages(username, ids); err != nil {
		s.log.Error("delete messages failed", zap.String("user", username), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}
	s.sendOK(sess, f.Cmd, "", "Specified messages deleted")
}

func (s *Server) handleViewConv(sess *Session, f *protocol.Frame) {
	username, ok := s.requireAuth(sess, f.Cmd)
	if !ok {
		return
	}
	other := f.To
	if other == "" {
		s.sendError(sess, f.Cmd, "User required")
		return
	}

	history, err := s.store.Conversation(username, other)
	if errors.Is(err, store.ErrUserNotFound) {
		s.sendError(sess, f.Cmd, "User not found")
		return
	}
	if err != nil {
		s.log.Error("conversation failed", zap.String("user", username), zap.String("with", other), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}

	if len(history) == 0 {
		sess.enqueue(&protocol.Frame{Cmd: f.Cmd, To: other, Body: bodyNoHistory})
		return
	}
	// One frame per entry keeps long histories inside the binary payload
	// ceiling. Body carries id and timestamp so messages can be addressed
	// by delete_msg later.
	for i := range history {
		m := &history[i]
		sess.enqueue(&protocol.Frame{
			Cmd:  f.Cmd,
			From: m.Sender,
			To:   other,
			Body: fmt.Sprintf("%d|%s|%s", m.ID, m.Timestamp.UTC().Format(time.RFC3339), m.Body),
		})
	}
	sess.enqueue(&protocol.Frame{Cmd: f.Cmd, To: other, Body: bodyEndOfMessages})
}

func (s *Server) handleDeleteAcc(sess *Session, f *protocol.Frame) {
	username, ok := s.requireAuth(sess, f.Cmd)
	if !ok {
		return
	}

	err := s.store.DeleteAccount(username)
	if errors.Is(err, store.ErrInboxNotEmpty) {
		s.sendError(sess, f.Cmd, "Undelivered messages still exist")
		return
	}
	if err != nil {
		s.log.Error("delete account failed", zap.String("user", username), zap.Error(err))
		s.sendError(sess, f.Cmd, "Internal error")
		return
	}

	s.unregister(username, sess)
	sess.setUser("")
	s.log.Info("account deleted", zap.String("user", username))
	s.sendOK(sess, f.Cmd, "", "Account has been deleted")
}

func (s *Server) handleLogoff(sess *Session, f *protocol.Frame) {
	username, ok := s.requireAuth(sess, f.Cmd)
	if !ok {
		return
	}

	s.unregister(username, sess)
	sess.setUser("")
	s.log.Info("logoff", zap.String("user", username))
	s.sendOK(sess, f.Cmd, "", "User has logged off")
}
