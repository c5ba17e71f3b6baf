// Package notify sends a run summary through shoutrrr service URLs.
package notify

import (
	"fmt"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
)

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(url, message string) error
}

type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

type Mode string

const (
	OnFailure Mode = "failure"
	OnAlways  Mode = "always"
)

// Summary is what a run reports.
type Summary struct {
	RunID     string
	Timestamp string
	Devices   int
	// Devices with at least one failed operation
	FailedDevices int
	// Failures lists "<device>: <error>" lines, one per failed operation
	Failures []string
}

func (s *Summary) Failed() bool { return len(s.Failures) != 0 }

func (s *Summary) Message() string {
	var b strings.Builder

	if s.Failed() {
		fmt.Fprintf(&b, "mikback %s: %d of %d devices failed", s.Timestamp, s.FailedDevices, s.Devices)
	} else {
		fmt.Fprintf(&b, "mikback %s: %d devices backed up", s.Timestamp, s.Devices)
	}

	if s.RunID != "" {
		fmt.Fprintf(&b, " (run %s)", s.RunID)
	}

	for _, f := range s.Failures {
		b.WriteString("\n- ")
		b.WriteString(f)
	}

	return b.String()
}

type Notifier struct {
	URLs   []string
	Mode   Mode
	Sender Sender
	Logger *logrus.Logger
}

func New(urls []string, mode string, logger *logrus.Logger) *Notifier {
	return &Notifier{
		URLs:   urls,
		Mode:   Mode(mode),
		Sender: ShoutrrrSender{},
		Logger: logger,
	}
}

// Notify delivers the summary to every URL. It returns the first error but
// still tries the remaining URLs.
func (n *Notifier) Notify(s *Summary) error {
	if len(n.URLs) == 0 {
		return nil
	}

	if n.Mode != OnAlways && !s.Failed() {
		return nil
	}

	msg := s.Message()

	var first error
	for i, u := range n.URLs {
		if err := n.Sender.Send(u, msg); err != nil {
			// URLs often embed tokens, log the position only
			n.Logger.WithField("url", i).Errorf("notify: %v", err)
			if first == nil {
				first = fmt.Errorf("notify: %w", err)
			}
		}
	}

	return first
}
