package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/client/messenger"
	"github.com/atinyakov/hammerchat/internal/models"
	"github.com/atinyakov/hammerchat/internal/validation"
)

const historyPage = 20

type chatClient interface {
	SignIn(ctx context.Context, userID, password string) error
	SignOut()
	TouchActivity()
	StartConversation(ctx context.Context, peerID string) (string, error)
	Send(ctx context.Context, conversationID, text string) (messenger.SendResult, error)
	History(ctx context.Context, conversationID string, before int64, limit int) ([]messenger.DisplayMessage, error)
	Edit(ctx context.Context, conversationID, messageID, text string) (models.Message, error)
	Delete(ctx context.Context, conversationID, messageID string) error
}

type queueControl interface {
	Items() ([]models.QueuedMessage, error)
	Retry(id string) error
	Discard(id string) error
}

// shell is the interactive command loop. user is the certificate identity;
// peer and conversation track the open chat. Text that came from the server
// or a peer goes through the validator's sanitizer before it is echoed.
type shell struct {
	chat      chatClient
	queue     queueControl
	validator *validation.Validator
	user      string
	in        *bufio.Scanner
	out       io.Writer

	peer         string
	conversation string
	oldest       int64
}

func newShell(chat chatClient, q queueControl, v *validation.Validator, user string, in io.Reader, out io.Writer) *shell {
	return &shell{chat: chat, queue: q, validator: v, user: user, in: bufio.NewScanner(in), out: out}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// run reads commands until exit or end of input.
func (s *shell) run(ctx context.Context) {
	for {
		s.printf("hammerchat> ")
		if !s.in.Scan() {
			return
		}
		args := strings.Fields(s.in.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			s.chat.SignOut()
			s.printf("Bye\n")
			return
		}
		s.chat.TouchActivity()
		if err := s.dispatch(ctx, args); err != nil {
			s.printf("%s\n", s.describe(err))
		}
	}
}

func (s *shell) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "help":
		s.printf("Available commands: help, login, chat <user>, send <text>, history [more], " +
			"edit <id> <text>, delete <id>, queue, retry <id>, discard <id>, logout, exit\n")
	case "login":
		s.printf("password: ")
		if !s.in.Scan() {
			return nil
		}
		if err := s.chat.SignIn(ctx, s.user, s.in.Text()); err != nil {
			return err
		}
		s.printf("Signed in as %s\n", s.user)
	case "logout":
		s.chat.SignOut()
		s.conversation, s.peer = "", ""
		s.printf("Signed out\n")
	case "chat":
		if len(args) < 2 {
			s.printf("Usage: chat <user>\n")
			return nil
		}
		id, err := s.chat.StartConversation(ctx, args[1])
		if err != nil {
			return err
		}
		s.peer, s.conversation, s.oldest = s.validator.SanitizeInput(args[1]), id, 0
		s.printf("Chatting with %s\n", s.peer)
		return s.history(ctx, 0)
	case "send":
		if err := s.needConversation(); err != nil {
			return err
		}
		res, err := s.chat.Send(ctx, s.conversation, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if res.Status == messenger.Queued {
			s.printf("Queued %s, will be delivered when the server is reachable\n", res.ID)
		} else {
			s.printf("Sent %s\n", res.ID)
		}
	case "history":
		if err := s.needConversation(); err != nil {
			return err
		}
		before := int64(0)
		if len(args) > 1 && args[1] == "more" {
			before = s.oldest
		}
		return s.history(ctx, before)
	case "edit":
		if err := s.needConversation(); err != nil {
			return err
		}
		if len(args) < 3 {
			s.printf("Usage: edit <id> <text>\n")
			return nil
		}
		if _, err := s.chat.Edit(ctx, s.conversation, args[1], strings.Join(args[2:], " ")); err != nil {
			return err
		}
		s.printf("Message edited\n")
	case "delete":
		if err := s.needConversation(); err != nil {
			return err
		}
		if len(args) < 2 {
			s.printf("Usage: delete <id>\n")
			return nil
		}
		if err := s.chat.Delete(ctx, s.conversation, args[1]); err != nil {
			return err
		}
		s.printf("Message deleted\n")
	case "queue":
		items, err := s.queue.Items()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			s.printf("Queue is empty\n")
			return nil
		}
		var failed int
		for _, it := range items {
			if it.Status == models.StatusFailed {
				failed++
			}
			line := fmt.Sprintf("%s  %-8s retries=%d  %s", it.ID, it.Status, it.Retries, it.CreatedAt.Format(time.DateTime))
			if it.LastError != "" {
				line += "  (" + s.validator.SanitizeInput(it.LastError) + ")"
			}
			s.printf("%s\n", line)
		}
		s.printf("%d pending, %d failed\n", len(items)-failed, failed)
	case "retry":
		if len(args) < 2 {
			s.printf("Usage: retry <id>\n")
			return nil
		}
		if err := s.queue.Retry(args[1]); err != nil {
			return err
		}
		s.printf("Retrying %s\n", args[1])
	case "discard":
		if len(args) < 2 {
			s.printf("Usage: discard <id>\n")
			return nil
		}
		if err := s.queue.Discard(args[1]); err != nil {
			return err
		}
		s.printf("Discarded %s\n", args[1])
	default:
		s.printf("Unknown command. Type 'help' for a list of commands.\n")
	}
	return nil
}

func (s *shell) needConversation() error {
	if s.conversation == "" {
		return apperr.New(apperr.Validation, "Open a conversation first with: chat USER")
	}
	return nil
}

func (s *shell) history(ctx context.Context, before int64) error {
	msgs, err := s.chat.History(ctx, s.conversation, before, historyPage)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		s.printf("No messages\n")
		return nil
	}
	s.oldest = msgs[0].SequenceNumber
	for _, m := range msgs {
		who := s.peer
		if m.Mine {
			who = "me"
		}
		flag := ""
		if m.Edited && !m.Deleted {
			flag = " (edited)"
		}
		s.printf("[%s] %-12s %s%s  #%s\n", m.CreatedAt.Local().Format(time.TimeOnly), who, m.Text, flag, m.ID)
	}
	return nil
}

// describe renders an error for the user: the message of classified errors,
// with a hint for the retryable ones. Messages may carry server text.
func (s *shell) describe(err error) string {
	msg := s.validator.SanitizeInput(apperr.MessageOf(err))
	switch apperr.KindOf(err) {
	case apperr.Connection:
		return msg + " (offline, try again later)"
	case apperr.Authentication:
		return msg + " (use 'login')"
	case apperr.Unknown:
		return "error: " + s.validator.SanitizeInput(err.Error())
	}
	return msg
}
