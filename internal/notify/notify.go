// Package notify formats terminal-failure reports and delivers them to a
// recipient list.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"sync"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "Job Notifications"

// Message is one outbound notification.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Notifier delivers a message synchronously.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Report is the content of a terminal-failure notification.
type Report struct {
	JobID   string
	Service string // display name of the bound service
	Trace   string
	Request json.RawMessage
}

// Subject returns the report subject line for a job id.
func Subject(prefix, jobID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s | JOB ERROR ID %s", prefix, jobID)
}

// Format renders r as a message addressed to recipients.
func Format(prefix string, recipients []string, r Report) Message {
	request := compactJSON(r.Request)

	var text strings.Builder
	fmt.Fprintf(&text, "Job ID: %s\n", r.JobID)
	text.WriteString("----\n")
	fmt.Fprintf(&text, "Service: %s\n", r.Service)
	fmt.Fprintf(&text, "Error:\n%s\n\n", r.Trace)
	fmt.Fprintf(&text, "Request:\n%s\n", request)

	var body strings.Builder
	fmt.Fprintf(&body, "Job ID: %s<br>\n", html.EscapeString(r.JobID))
	body.WriteString("<hr>\n")
	fmt.Fprintf(&body, "Service: %s<br>\n", html.EscapeString(r.Service))
	fmt.Fprintf(&body, "Error: <pre>%s</pre><br>\n", html.EscapeString(r.Trace))
	fmt.Fprintf(&body, "Request: <pre>%s</pre>\n", html.EscapeString(request))

	return Message{
		To:      append([]string(nil), recipients...),
		Subject: Subject(prefix, r.JobID),
		Text:    text.String(),
		HTML:    body.String(),
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Recorder keeps sent messages in memory. Err, when set, is returned from
// Send instead of recording.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

// Send records msg.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}
