package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"collabsync/internal/auth"
	"collabsync/internal/model"
	"collabsync/internal/session"
	"collabsync/internal/transport/wsclient"
)

// JoinOptions holds flags for the join command.
type JoinOptions struct {
	*RootOptions
	URL     string
	Session string
	Token   string
	Name    string
	Email   string
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a session and drive it from stdin",
		Long: `Join a session and drive it from stdin. One command per line:

  cursor X Y              move the cursor
  select START END [ID]   change the selection
  view BLOCK PAGE POS     share the viewed block, page and position
  comment ANCHOR TEXT     add a comment
  resolve ID              resolve a comment
  react ID EMOJI          add a reaction
  unreact ID EMOJI        withdraw a reaction
  edit ID TEXT            rewrite one of your comments
  reply ID TEXT           reply to a comment
  who                     list participants
  comments                list comments
  state                   show the connection state
  reconnect               retry after the connection failed
  quit                    leave the session`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return join(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "http://localhost:3000", "relay base url")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session (room) id")
	cmd.Flags().StringVar(&opts.Token, "token", "", "join token")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name (default: from token)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email shown to others")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

// identityFromToken reads the participant out of the token without
// checking the signature; the relay does that.
func identityFromToken(token string) (session.Identity, error) {
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return session.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return session.Identity{}, auth.ErrMissingParticipant
	}
	return session.Identity{ID: claims.Subject, Name: claims.Name}, nil
}

func join(ctx context.Context, opts *JoinOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := identityFromToken(opts.Token)
	if err != nil {
		return err
	}
	if opts.Name != "" {
		id.Name = opts.Name
	}
	id.Email = opts.Email

	client, err := wsclient.New(opts.URL, opts.Token)
	if err != nil {
		return err
	}

	w := &syncWriter{w: out}
	s := session.New(session.DefaultConfig(opts.Session, id), client, &printObserver{out: w})
	defer s.Close()
	if err := s.Open(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execLine(s, line, w)
			if err != nil {
				fmt.Fprintf(w, "error: %s\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

var errUsage = errors.New("bad arguments, see collabctl join --help")

// execLine runs one interactive command against s.
func execLine(s *session.Session, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]
	rest := func(from int) string { return strings.Join(args[from:], " ") }

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "cursor":
		if len(args) != 2 {
			return false, errUsage
		}
		x, errX := strconv.ParseFloat(args[0], 64)
		y, errY := strconv.ParseFloat(args[1], 64)
		if errX != nil || errY != nil {
			return false, errUsage
		}
		return false, s.MoveCursor(x, y)
	case "select":
		if len(args) < 2 || len(args) > 3 {
			return false, errUsage
		}
		start, errS := strconv.Atoi(args[0])
		end, errE := strconv.Atoi(args[1])
		if errS != nil || errE != nil {
			return false, errUsage
		}
		block := ""
		if len(args) == 3 {
			block = args[2]
		}
		return false, s.UpdateSelection(start, end, block)
	case "view":
		if len(args) != 3 {
			return false, errUsage
		}
		page, errP := strconv.Atoi(args[1])
		pos, errPos := strconv.ParseFloat(args[2], 64)
		if errP != nil || errPos != nil {
			return false, errUsage
		}
		return false, s.UpdateView(args[0], page, pos)
	case "comment":
		if len(args) < 2 {
			return false, errUsage
		}
		c, err := s.AddComment(args[0], rest(1))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "comment %s pending\n", c.ID)
		return false, nil
	case "resolve":
		if len(args) != 1 {
			return false, errUsage
		}
		return false, s.ResolveComment(args[0])
	case "react", "unreact":
		if len(args) != 2 {
			return false, errUsage
		}
		return false, s.React(args[0], args[1], cmd == "react")
	case "edit":
		if len(args) < 2 {
			return false, errUsage
		}
		return false, s.EditComment(args[0], rest(1))
	case "reply":
		if len(args) < 2 {
			return false, errUsage
		}
		_, err := s.Reply(args[0], rest(1))
		return false, err
	case "who":
		for _, p := range s.Participants() {
			fmt.Fprintf(out, "%s\t%s\t%s\n", p.ID, p.Name, describeActivity(p))
		}
		return false, nil
	case "comments":
		for _, c := range s.Comments() {
			printComment(out, c)
		}
		return false, nil
	case "state":
		fmt.Fprintln(out, s.ConnectionState())
		return false, nil
	case "reconnect":
		return false, s.Reconnect()
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

func describeActivity(p model.Participant) string {
	var parts []string
	if p.Cursor != nil {
		parts = append(parts, fmt.Sprintf("cursor=%g,%g", p.Cursor.X, p.Cursor.Y))
	}
	if p.Selection != nil {
		parts = append(parts, fmt.Sprintf("selection=%d-%d@%s", p.Selection.Start, p.Selection.End, p.Selection.BlockID))
	}
	if p.View != nil {
		parts = append(parts, fmt.Sprintf("view=%s/p%d@%g", p.View.BlockID, p.View.Page, p.View.Position))
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, " ")
}

func printComment(out io.Writer, c model.Comment) {
	status := string(c.Status)
	if c.Resolved {
		status += ",resolved by " + c.ResolvedBy
	}
	fmt.Fprintf(out, "%s\t[%s]\t%s@%s: %s\n", c.ID, status, c.AuthorID, c.Anchor, c.Body)
	for emoji, actors := range c.Reactions {
		fmt.Fprintf(out, "\t%s x%d\n", emoji, len(actors))
	}
	for _, r := range c.Replies {
		fmt.Fprintf(out, "\t%s: %s\n", r.AuthorID, r.Body)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

type printObserver struct {
	out io.Writer
}

func (o *printObserver) OnParticipantJoin(p model.Participant) {
	fmt.Fprintf(o.out, "* %s (%s) joined\n", p.ID, p.Name)
}

func (o *printObserver) OnParticipantLeave(id string) {
	fmt.Fprintf(o.out, "* %s left\n", id)
}

func (o *printObserver) OnCursorMove(p model.Participant) {
	if p.Cursor != nil {
		fmt.Fprintf(o.out, "* %s cursor %g,%g\n", p.ID, p.Cursor.X, p.Cursor.Y)
	}
}

func (o *printObserver) OnSelectionChange(p model.Participant) {
	if p.Selection != nil {
		fmt.Fprintf(o.out, "* %s selected %d-%d\n", p.ID, p.Selection.Start, p.Selection.End)
	}
}

func (o *printObserver) OnViewChange(p model.Participant) {
	if p.View != nil {
		fmt.Fprintf(o.out, "* %s viewing %s page %d\n", p.ID, p.View.BlockID, p.View.Page)
	}
}

func (o *printObserver) OnCommentUpdated(c model.Comment) {
	fmt.Fprintf(o.out, "* comment %s edited: %s\n", c.ID, c.Body)
}

func (o *printObserver) OnCommentAdded(c model.Comment) {
	fmt.Fprintf(o.out, "* comment %s by %s: %s\n", c.ID, c.AuthorID, c.Body)
}

func (o *printObserver) OnCommentResolved(c model.Comment) {
	fmt.Fprintf(o.out, "* comment %s resolved by %s\n", c.ID, c.ResolvedBy)
}

func (o *printObserver) OnReaction(commentID, emoji, actorID string, add bool) {
	verb := "reacted"
	if !add {
		verb = "withdrew"
	}
	fmt.Fprintf(o.out, "* %s %s %s on %s\n", actorID, verb, emoji, commentID)
}

func (o *printObserver) OnReplyAdded(commentID string, r model.Reply) {
	fmt.Fprintf(o.out, "* %s replied on %s: %s\n", r.AuthorID, commentID, r.Body)
}

func (o *printObserver) OnConnectionStateChange(state model.ConnectionState) {
	fmt.Fprintf(o.out, "* connection %s\n", state)
}

func (o *printObserver) OnError(err error) {
	fmt.Fprintf(o.out, "* error: %s\n", err)
}
