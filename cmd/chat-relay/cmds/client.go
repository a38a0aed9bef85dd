package cmds

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/history"
	"github.com/go-go-golems/chat-relay/pkg/server"
)

type clientOptions struct {
	serverURL string
	token     string
	me        string
	peer      string
	name      string
	role      string
}

func newClientCommand(_ *rootOptions) *cobra.Command {
	co := clientOptions{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Chat with one peer from the terminal",
		Long: `Connects as --as, loads the history shared with --to and then relays stdin lines as
text messages. "/image <path>" sends a file as an image, "/quit" exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), co, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&co.serverURL, "server", "http://localhost:8080", "relay base URL")
	f.StringVar(&co.token, "token", "", "bearer token for the history endpoint")
	f.StringVar(&co.me, "as", "", "your participant id")
	f.StringVar(&co.peer, "to", "", "participant id of the peer")
	f.StringVar(&co.name, "name", "", "display name sent with each message")
	f.StringVar(&co.role, "role", "", "role sent with each message")
	_ = cmd.MarkFlagRequired("as")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// chatClient keeps the reconciled timeline of one conversation and prints it.
type chatClient struct {
	opts   clientOptions
	render *renderer
	key    envelope.ConversationKey

	mu   sync.Mutex
	out  io.Writer
	tl   *history.Timeline
	live bool
	refs int
}

func runClient(ctx context.Context, co clientOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	key, err := envelope.KeyFor(co.me, co.peer)
	if err != nil {
		return errors.Wrap(err, "invalid participants")
	}
	fetcher, err := history.NewHTTPClient(co.serverURL, co.token, nil)
	if err != nil {
		return err
	}
	c := &chatClient{opts: co, render: newRenderer(co.me, out), key: key, out: out, tl: history.NewTimeline()}

	conn, err := dialRelay(ctx, co.serverURL, co.me)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	// live frames that arrive while the snapshot loads are merged by the timeline
	if err := history.Load(ctx, fetcher, co.me, co.peer, c.tl); err != nil {
		log.Warn().Err(err).Msg("history unavailable, showing live messages only")
	}
	c.printSnapshot()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return errors.Wrap(err, "connection closed")
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.handleLine(conn, strings.TrimSpace(line))
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func dialRelay(ctx context.Context, serverURL, me string) (*websocket.Conn, error) {
	base := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	header := http.Header{}
	header.Set(server.ParticipantHeader, me)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, base+"/ws", header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", base+"/ws")
	}
	return conn, nil
}

func (c *chatClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		f, err := envelope.DecodeFrame(data)
		if err != nil {
			log.Debug().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		switch d := f.Data.(type) {
		case envelope.Envelope:
			c.onMessage(d)
		case *envelope.Rejection:
			c.println(c.render.rejection(d))
		case envelope.Joined:
			c.println(c.render.status("joined as %s", d.ParticipantID))
		}
	}
}

func (c *chatClient) onMessage(env envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.Key() != c.key {
		if c.live {
			c.printLocked(c.render.status("message from %s in another conversation", env.SenderID))
		}
		return
	}
	if c.tl.Append(env) && c.live {
		c.printLocked(c.render.message(env))
	}
}

func (c *chatClient) printSnapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.tl.Messages()
	c.printLocked(c.render.status("%d messages with %s", len(msgs), c.opts.peer))
	for _, env := range msgs {
		c.printLocked(c.render.message(env))
	}
	c.live = true
}

func (c *chatClient) handleLine(conn *websocket.Conn, line string) (bool, error) {
	raw := envelope.Raw{
		SenderID:   c.opts.me,
		ReceiverID: c.opts.peer,
		SenderName: c.opts.name,
		Role:       c.opts.role,
	}
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case strings.HasPrefix(line, "/image "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
		b, err := os.ReadFile(path)
		if err != nil {
			c.println(c.render.status("cannot read %s: %v", path, err))
			return false, nil
		}
		raw.Kind = envelope.KindImage
		raw.Image = base64.StdEncoding.EncodeToString(b)
	default:
		raw.Kind = envelope.KindText
		raw.Text = line
	}

	c.mu.Lock()
	c.refs++
	raw.Ref = "c" + strconv.Itoa(c.refs)
	c.mu.Unlock()

	frame := struct {
		Type envelope.FrameType `json:"type"`
		Data envelope.Raw       `json:"data"`
	}{Type: envelope.FrameSend, Data: raw}
	if err := conn.WriteJSON(frame); err != nil {
		return false, errors.Wrap(err, "send")
	}
	return false, nil
}

func (c *chatClient) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printLocked(line)
}

func (c *chatClient) printLocked(line string) {
	_, _ = fmt.Fprintln(c.out, line)
}
