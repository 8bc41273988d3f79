// Package relayctl is a small client for poking a running relay: it issues
// a development token, authenticates, optionally sends a chat or location
// frame and prints whatever the relay sends back.
package relayctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"pharmatrace/relay/internal/auth"
	"pharmatrace/relay/internal/protocol"
)

// Options describes one client session.
type Options struct {
	URL    string
	Token  string
	Secret string
	Issuer string
	UserID string
	Role   protocol.Role

	Chat      string
	Recipient string

	BatchID     string
	WarehouseID string
	Lat         *float64
	Lng         *float64

	// Listen keeps the session open after the last frame is sent.
	Listen  time.Duration
	Out     io.Writer
	NoColor bool
}

// IssueToken signs a short-lived development token with the relay secret.
func IssueToken(secret, issuer, userID string, role protocol.Role, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier(secret, issuer, 0)
	if err != nil {
		return "", err
	}
	return verifier.Issue(userID, role, ttl)
}

// Printer renders frames for a terminal.
type Printer struct {
	out     io.Writer
	palette map[protocol.Tag]*color.Color
	plain   *color.Color
}

// NewPrinter writes to out; noColor strips ANSI sequences.
func NewPrinter(out io.Writer, noColor bool) *Printer {
	p := &Printer{
		out: out,
		palette: map[protocol.Tag]*color.Color{
			protocol.TagError:        color.New(color.FgRed, color.Bold),
			protocol.TagAuth:         color.New(color.FgYellow),
			protocol.TagChatReceived: color.New(color.FgCyan),
			protocol.TagLocation:     color.New(color.FgGreen),
			protocol.TagNotification: color.New(color.FgMagenta),
		},
		plain: color.New(color.FgWhite),
	}
	if noColor {
		for _, c := range p.palette {
			c.DisableColor()
		}
		p.plain.DisableColor()
	}
	return p
}

// Frame prints one inbound envelope.
func (p *Printer) Frame(env protocol.Envelope) {
	c, ok := p.palette[env.Type]
	if !ok {
		c = p.plain
	}
	fmt.Fprintln(p.out, c.Sprintf("<- %s", Describe(env)))
}

// Note prints a local status line.
func (p *Printer) Note(format string, args ...any) {
	fmt.Fprintln(p.out, p.plain.Sprintf("-- "+format, args...))
}

// Describe summarises env on one line.
func Describe(env protocol.Envelope) string {
	switch payload := env.Payload.(type) {
	case protocol.AuthResult:
		return fmt.Sprintf("AUTH success=%t role=%s", payload.Success, payload.Role)
	case protocol.ChatReceived:
		target := "broadcast"
		if payload.RecipientID != "" {
			target = "to " + payload.RecipientID
		}
		return fmt.Sprintf("CHAT_RECEIVED %s (%s, %s) %s: %s", payload.SenderName, payload.SenderID, payload.SenderRole, target, payload.Message)
	case protocol.Location:
		return fmt.Sprintf("LOCATION batch=%s lat=%s lng=%s", payload.BatchID, coord(payload.Lat), coord(payload.Lng))
	case protocol.Notification:
		return fmt.Sprintf("NOTIFICATION [%s] %s: %s", payload.Level, payload.Title, payload.Message)
	}
	if env.Type == protocol.TagError {
		return "ERROR " + env.Error
	}
	return env.Type.String()
}

func coord(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.5f", *v)
}

// Run executes one client session and returns once Listen has elapsed, the
// relay closes the socket, or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return errors.New("relay url is required")
	}
	printer := NewPrinter(opts.Out, opts.NoColor)

	//1.- Resolve credentials.
	token := opts.Token
	if token == "" {
		if opts.Secret == "" || opts.UserID == "" {
			return errors.New("either a token or a secret and user id are required")
		}
		var err error
		token, err = IssueToken(opts.Secret, opts.Issuer, opts.UserID, opts.Role, time.Hour)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
	}

	//2.- Connect and authenticate.
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer conn.Close()
	printer.Note("connected to %s", opts.URL)

	frames := make(chan protocol.Envelope, 32)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				printer.Note("undecodable frame: %v", err)
				continue
			}
			frames <- env
		}
	}()

	if err := send(conn, protocol.New(protocol.AuthRequest{Token: token})); err != nil {
		return err
	}
	if err := awaitAuth(ctx, printer, frames, readErr); err != nil {
		return err
	}

	//3.- Optional payloads.
	if opts.Chat != "" {
		if err := send(conn, protocol.New(protocol.Chat{Message: opts.Chat, RecipientID: opts.Recipient})); err != nil {
			return err
		}
		printer.Note("sent chat")
	}
	if opts.BatchID != "" {
		loc := protocol.Location{BatchID: opts.BatchID, WarehouseID: opts.WarehouseID, Lat: opts.Lat, Lng: opts.Lng}
		if err := send(conn, protocol.New(loc)); err != nil {
			return err
		}
		printer.Note("sent location for %s", opts.BatchID)
	}

	//4.- Print everything that arrives until the listen window closes.
	timer := time.NewTimer(opts.Listen)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case env, ok := <-frames:
			if !ok {
				return closeReason(<-readErr)
			}
			printer.Frame(env)
		}
	}
}

func awaitAuth(ctx context.Context, printer *Printer, frames <-chan protocol.Envelope, readErr <-chan error) error {
	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("no AUTH response from relay")
		case env, ok := <-frames:
			if !ok {
				return closeReason(<-readErr)
			}
			printer.Frame(env)
			if env.Type == protocol.TagError {
				return fmt.Errorf("authentication rejected: %s", env.Error)
			}
			if result, isAuth := env.Payload.(protocol.AuthResult); isAuth && result.Success {
				return nil
			}
		}
	}
}

func send(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeReason(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		return nil
	}
	if errors.As(err, &ce) {
		return fmt.Errorf("relay closed the connection: %d %s", ce.Code, ce.Text)
	}
	return err
}
