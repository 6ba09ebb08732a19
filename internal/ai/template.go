package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/concierge/internal/models"
)

// TemplateComposer writes a fixed-format reminder. It is used when no model
// is configured.
type TemplateComposer struct {
	now func() time.Time
}

func NewTemplateComposer() *TemplateComposer {
	return &TemplateComposer{now: time.Now}
}

func (t *TemplateComposer) Compose(_ context.Context, pc *models.PersonContext, description string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s!", pc.Person.DisplayName())

	if s := pc.Subject; s != nil {
		days := int(s.NextOccurrence.Sub(dayOf(t.now())).Hours() / 24)
		fmt.Fprintf(&b, " Just a reminder that **%s** is coming up on %s", s.Title, s.NextOccurrence.Format("January 2"))
		switch {
		case days == 0:
			b.WriteString(" (today).")
		case days == 1:
			b.WriteString(" (tomorrow).")
		case days > 1:
			fmt.Fprintf(&b, " (%d days away).", days)
		default:
			b.WriteString(".")
		}
		if s.Notes != "" {
			fmt.Fprintf(&b, " Notes: %s", s.Notes)
		}
		b.WriteString(" Would you like help planning anything?")
		return b.String(), nil
	}

	for _, line := range strings.Split(description, "\n") {
		if action, ok := strings.CutPrefix(line, "Generate a reminder message about: "); ok {
			fmt.Fprintf(&b, " Just a reminder: %s.", strings.TrimSuffix(action, "."))
			return b.String(), nil
		}
	}
	b.WriteString(" You have a reminder scheduled for now.")
	return b.String(), nil
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
