// Package whatsapp wraps the Whatsmeow client so an agent can send its opening
// message from a linked WhatsApp device instead of the Twilio API.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is where the device session lives when no DSN is given.
	DefaultSQLitePath = "/var/lib/outreachpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends a plain text message and returns the provider message ID.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
}

// Opts holds the device session and login settings.
type Opts struct {
	DBDSN       string
	QRPath      string // write the login QR code here instead of stdout
	NumericCode bool
	LogLevel    string
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLogLevel sets the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) { o.LogLevel = level }
}

// Client is a connected whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// driverFor picks the sql driver whatsmeow should use for dsn.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	if !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsmeow SQLite DSN without foreign keys; add ?_foreign_keys=on", "dsn", dsn)
	}
	return "sqlite3"
}

// NewClient opens the device store and connects. On a fresh device it blocks on the
// QR login flow until the phone is linked or the code expires.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath, LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	driver := driverFor(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient", "driver", driver, "qrPath", cfg.QRPath, "numericCode", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open whatsmeow store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsmeow device: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", cfg.LogLevel, true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("connect whatsapp: %w", err)
		}
		slog.Info("WhatsApp client connected", "jid", waClient.Store.ID.String())
		return &Client{waClient: waClient}, nil
	}

	slog.Info("WhatsApp device not linked; starting QR login")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("connect whatsapp for login: %w", err)
	}
	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			waClient.Disconnect()
			return nil, fmt.Errorf("create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := printLogin(qrChan, out, cfg.NumericCode); err != nil {
		waClient.Disconnect()
		return nil, err
	}
	slog.Info("WhatsApp device linked")
	return &Client{waClient: waClient}, nil
}

// printLogin writes each login code until the channel closes. Anything but a
// success event as the last one means the login did not complete.
func printLogin(qrChan <-chan whatsmeow.QRChannelItem, out io.Writer, numeric bool) error {
	last := ""
	for evt := range qrChan {
		last = evt.Event
		if evt.Event != "code" {
			slog.Debug("WhatsApp login event", "event", evt.Event)
			continue
		}
		if numeric {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	if last != "success" {
		return fmt.Errorf("whatsapp login did not complete: %s", last)
	}
	return nil
}

// SendText sends body to the phone number to (digits only, no leading +).
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	to = strings.TrimPrefix(to, "+")
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "id", resp.ID)
	return resp.ID, nil
}

// Close disconnects the session.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records sends instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentText
	Err  error
}

type SentText struct {
	To   string
	Body string
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentText{To: to, Body: body})
	return fmt.Sprintf("WA%04d", len(m.Sent)), nil
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentText(nil), m.Sent...)
}
