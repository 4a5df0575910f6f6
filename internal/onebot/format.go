package onebot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/bdbai/moodle-sentinel/internal/moodle"
	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

var stripPolicy = bluemonday.StrictPolicy()

// Removes any markup Moodle lets course staff put into names, and keeps
// the result short enough for a chat message.
func sanitize(s string) string {
	s = strings.TrimSpace(stripPolicy.Sanitize(s))
	if len(s) > 256 {
		s = s[:256]
	}

	return s
}

func kindWord(k sentinel.ModuleKind) string {
	switch k {
	case sentinel.ModuleResource:
		return "file"
	case sentinel.ModuleMediasite:
		return "video"
	case sentinel.ModuleURL:
		return "link"
	case sentinel.ModuleFolder:
		return "folder"
	case sentinel.ModulePage:
		return "page"
	case sentinel.ModuleAssignment:
		return "assignment"
	default:
		return "item"
	}
}

// FormatNotification renders one notification into message text. The
// second return is false when there is nothing worth sending.
func FormatNotification(n sentinel.Notification) (string, bool) {
	course := sanitize(n.CourseName)

	if n.Err != nil {
		apiErr := &moodle.APIError{}
		if errors.As(n.Err, &apiErr) && apiErr.LoginExpired() {
			return fmt.Sprintf("Checking %s failed: the Moodle login has expired. Updates for this course will stop until the token is renewed.", course), true
		}

		return fmt.Sprintf("Checking %s failed, updates for this course will stop.\n%s", course, n.Err), true
	}

	switch len(n.Updates) {
	case 0:
		return "", false
	case 1:
		m := n.Updates[0].Module

		name := m.Name
		// URL modules are usually titled by their first content entry.
		if m.Kind() == sentinel.ModuleURL && len(m.Contents) > 0 {
			name = m.Contents[0].Name
		}

		hidden := ""
		if !m.Visible {
			hidden = "hidden "
		}

		return fmt.Sprintf("%s published a %s%s: %s, go take a look", course, hidden, kindWord(m.Kind()), sanitize(name)), true
	default:
		return fmt.Sprintf("%s published %d new items, go take a look", course, len(n.Updates)), true
	}
}

// Deliver formats a notification and sends it to its target.
func Deliver(ctx context.Context, m Messenger, n sentinel.Notification) error {
	msg, ok := FormatNotification(n)
	if !ok {
		return nil
	}

	if n.Target.Kind == sentinel.TargetGroup {
		return m.SendGroupMessage(ctx, n.Target.QQ, msg)
	}

	return m.SendPrivateMessage(ctx, n.Target.QQ, msg)
}
