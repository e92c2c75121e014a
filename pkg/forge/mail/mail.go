// Package mail defines the messages the server sends to administrators.
package mail

import (
	"context"

	"go.uber.org/zap"
)

// Mailer delivers login codes and invitations.
type Mailer interface {
	SendLoginCode(ctx context.Context, to, code string) error
	SendInvite(ctx context.Context, to, invitedBy, orgName, link string) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) SendLoginCode(ctx context.Context, to, code string) error {
	m.Logger.Info("login code", zap.String("to", to), zap.String("code", code))
	return nil
}

func (m LogMailer) SendInvite(ctx context.Context, to, invitedBy, orgName, link string) error {
	m.Logger.Info("organisation invite",
		zap.String("to", to),
		zap.String("invited_by", invitedBy),
		zap.String("organisation", orgName),
		zap.String("link", link))
	return nil
}

// Message is a captured message, see Recorder.
type Message struct {
	Kind string
	To   string
	Body map[string]string
}

// Recorder keeps every message in memory. It is used in tests.
type Recorder struct {
	Messages []Message
}

func (r *Recorder) SendLoginCode(ctx context.Context, to, code string) error {
	r.Messages = append(r.Messages, Message{Kind: "login_code", To: to, Body: map[string]string{"code": code}})
	return nil
}

func (r *Recorder) SendInvite(ctx context.Context, to, invitedBy, orgName, link string) error {
	r.Messages = append(r.Messages, Message{Kind: "invite", To: to, Body: map[string]string{
		"invited_by":   invitedBy,
		"organisation": orgName,
		"link":         link,
	}})
	return nil
}

// Last returns the most recent message sent to an address.
func (r *Recorder) Last(to string) (Message, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].To == to {
			return r.Messages[i], true
		}
	}
	return Message{}, false
}
