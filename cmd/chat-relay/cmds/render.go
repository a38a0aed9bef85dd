package cmds

import (
	"fmt"
	"io"
	"os"

	"charm.land/lipgloss/v2"
	"github.com/mattn/go-isatty"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// renderer formats client output. Styling is only applied when writing to a terminal.
type renderer struct {
	me     string
	styled bool

	mine   lipgloss.Style
	theirs lipgloss.Style
	meta   lipgloss.Style
	errs   lipgloss.Style
}

func newRenderer(me string, out io.Writer) *renderer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &renderer{
		me:     me,
		styled: styled,
		mine:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		theirs: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		meta:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		errs:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *renderer) message(env envelope.Envelope) string {
	who := env.SenderID
	if env.SenderName != "" {
		who = env.SenderName
	}
	nameStyle := r.theirs
	if env.SenderID == r.me {
		nameStyle = r.mine
	}
	body := env.Text
	if env.Kind == envelope.KindImage {
		body = r.style(r.meta, fmt.Sprintf("[image, %d bytes base64]", len(env.Image)))
	}
	return fmt.Sprintf("%s %s %s",
		r.style(r.meta, env.SentAt.Local().Format("15:04:05")),
		r.style(nameStyle, who+":"),
		body)
}

func (r *renderer) rejection(rej *envelope.Rejection) string {
	line := "rejected: " + rej.Error()
	if rej.Ref != "" {
		line += " (ref " + rej.Ref + ")"
	}
	return r.style(r.errs, line)
}

func (r *renderer) status(format string, args ...any) string {
	return r.style(r.meta, fmt.Sprintf("-- "+format, args...))
}
