// Package wa implements the messaging capability on top of whatsmeow. The
// device store lives in the session's session.db; chats, messages and
// contacts observed on the wire are cached in its cache.db and served from
// there.
package wa

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/leadsync/internal/messaging"
	"github.com/matheus3301/leadsync/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

const (
	deviceDBName = "session.db"
	cacheDBName  = "cache.db"
)

var osInfoOnce sync.Once

// NewFactory returns a messaging.Factory building whatsmeow clients.
func NewFactory(logger *zap.Logger) messaging.Factory {
	osInfoOnce.Do(func() {
		// Device name shown on the phone's linked devices list.
		wastore.SetOSInfo("leadsync", [3]uint32{0, 1, 0})
	})
	return func(id, dir string, mode messaging.Mode, handler messaging.Handler) (messaging.Client, error) {
		return New(context.Background(), id, dir, mode, handler, logger)
	}
}

// Client is one whatsmeow connection plus its local cache.
type Client struct {
	id      string
	mode    messaging.Mode
	handler messaging.Handler
	logger  *zap.Logger

	wm        *whatsmeow.Client
	container *sqlstore.Container
	cache     *store.DB
	ingest    *ingester

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu            sync.Mutex
	cancelAttempt context.CancelFunc
}

// New opens the device and cache stores under dir and prepares a client.
// Nothing touches the network until Start.
func New(ctx context.Context, id, dir string, mode messaging.Mode, handler messaging.Handler, logger *zap.Logger) (*Client, error) {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, deviceDBName)),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}
	cache, err := store.OpenCache(filepath.Join(dir, cacheDBName))
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	wm := whatsmeow.NewClient(device, nil)
	wm.EnableAutoReconnect = mode == messaging.ModeStandard
	wm.SynchronousAck = mode == messaging.ModeFallback

	logger = logger.With(zap.String("session", id), zap.Stringer("mode", mode))
	c := &Client{
		id:        id,
		mode:      mode,
		handler:   handler,
		logger:    logger,
		wm:        wm,
		container: container,
		cache:     cache,
		ingest:    &ingester{cache: cache, logger: logger},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	wm.AddEventHandler(c.handleEvent)
	return c, nil
}

// Start connects. When the device is not paired yet, pairing codes are
// delivered as EventCodeIssued until the phone scans one or they run out.
func (c *Client) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: client stopped", messaging.ErrCrashed)
	}

	// Codes from an earlier failed attempt must not reach the handler.
	attemptCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	c.cancelAttempt = cancel
	c.mu.Unlock()

	if c.wm.Store.ID == nil {
		qrChan, err := c.wm.GetQRChannel(attemptCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("%w: get qr channel: %v", messaging.ErrTransport, err)
		}
		go c.consumeQR(attemptCtx, qrChan)
	}

	c.logger.Info("connecting to WhatsApp")
	if err := c.wm.Connect(); err != nil {
		cancel()
		return fmt.Errorf("%w: connect: %v", messaging.ErrTransport, err)
	}
	return nil
}

func (c *Client) consumeQR(ctx context.Context, ch <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				c.emit(messaging.Event{Type: messaging.EventCodeIssued, Code: item.Code})
			case "success":
				c.logger.Info("pairing succeeded")
			case "timeout":
				c.emit(messaging.Event{Type: messaging.EventDisconnected, Reason: "pairing code expired"})
				return
			default:
				if item.Error != nil {
					c.emit(messaging.Event{
						Type: messaging.EventError,
						Kind: messaging.KindTransient,
						Err:  fmt.Errorf("%w: pairing: %v", messaging.ErrTransport, item.Error),
					})
					continue
				}
				c.emit(messaging.Event{Type: messaging.EventDisconnected, Reason: "pairing failed: " + item.Event})
				return
			}
		}
	}
}

func (c *Client) handleEvent(rawEvt any) {
	c.ingest.Handle(rawEvt)
	evt, ok := Classify(rawEvt, c.mode)
	if !ok {
		return
	}
	if evt.Type == messaging.EventReady {
		go c.importContacts()
	}
	c.emit(evt)
}

func (c *Client) emit(evt messaging.Event) {
	if c.ctx.Err() != nil || c.handler == nil {
		return
	}
	c.handler(evt)
}

// importContacts copies the address book of the device store into the
// cache so chats have names before any message arrives.
func (c *Client) importContacts() {
	all, err := c.wm.Store.Contacts.GetAllContacts(c.ctx)
	if err != nil {
		c.logger.Warn("failed to read device contacts", zap.Error(err))
		return
	}
	contacts := make([]store.Contact, 0, len(all))
	for jid, info := range all {
		contacts = append(contacts, store.Contact{
			JID:      jid.ToNonAD().String(),
			Name:     info.FullName,
			PushName: info.PushName,
		})
	}
	if err := c.cache.BulkUpsertContacts(contacts); err != nil {
		c.logger.Warn("failed to import contacts", zap.Error(err))
	}
}

// Stop disconnects and closes both stores. Pairing state stays on disk.
func (c *Client) Stop() error {
	var errs []error
	c.stopOnce.Do(func() {
		c.cancel()
		c.wm.Disconnect()
		if err := c.container.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device store: %w", err))
		}
		if err := c.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Chats returns every cached chat.
func (c *Client) Chats(ctx context.Context) ([]messaging.Chat, error) {
	cached, err := c.cache.ListChats()
	if err != nil {
		return nil, fmt.Errorf("%w: list chats: %v", messaging.ErrTransport, err)
	}
	out := make([]messaging.Chat, 0, len(cached))
	for _, ch := range cached {
		jid, err := types.ParseJID(ch.JID)
		if err != nil {
			c.logger.Debug("skipping chat with bad jid", zap.String("chat", ch.JID))
			continue
		}
		out = append(out, &chat{client: c, jid: jid, name: ch.Name, group: ch.IsGroup})
	}
	return out, nil
}

// ChatByAddress returns a handle for address, a phone number or a JID.
// Addresses never seen on the wire still get a handle.
func (c *Client) ChatByAddress(ctx context.Context, address string) (messaging.Chat, error) {
	jid, err := ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", messaging.ErrChatNotFound, address, err)
	}
	h := &chat{client: c, jid: jid, group: jid.Server == types.GroupServer}
	cached, err := c.cache.GetChat(jid.String())
	if err != nil {
		return nil, fmt.Errorf("%w: lookup chat: %v", messaging.ErrTransport, err)
	}
	if cached != nil {
		h.name = cached.Name
		h.group = cached.IsGroup
	}
	return h, nil
}

// ParseAddress turns a phone number (optionally prefixed with +) or a full
// JID into a non-AD JID.
func ParseAddress(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty address")
	}
	if strings.Contains(raw, "@") {
		jid, err := types.ParseJID(raw)
		if err != nil {
			return types.EmptyJID, err
		}
		return jid.ToNonAD(), nil
	}
	user := strings.TrimPrefix(raw, "+")
	if !isDigitsOnly(user) {
		return types.EmptyJID, fmt.Errorf("address %q is not a phone number", raw)
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

func isDigitsOnly(val string) bool {
	if val == "" {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type chat struct {
	client *Client
	jid    types.JID
	name   string
	group  bool
}

func (ch *chat) ID() string    { return ch.jid.String() }
func (ch *chat) IsGroup() bool { return ch.group }

func (ch *chat) RecentMessages(ctx context.Context, limit int) ([]messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := ch.client.cache.RecentMessages(ch.jid.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent messages: %v", messaging.ErrTransport, err)
	}
	out := make([]messaging.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messaging.Message{
			Timestamp:    time.UnixMilli(m.Timestamp),
			Body:         m.Body,
			FromOperator: m.FromMe,
			IsGroup:      ch.group,
		})
	}
	return out, nil
}

// Counterparty resolves LID chats to their phone number so the ledger is
// keyed by number. The display name is empty when nothing is known.
func (ch *chat) Counterparty(ctx context.Context) (messaging.Counterparty, error) {
	jid := ch.jid
	if jid.Server == types.HiddenUserServer || jid.Server == types.HostedLIDServer {
		pn, err := ch.client.wm.Store.LIDs.GetPNForLID(ctx, jid)
		if err != nil {
			return messaging.Counterparty{}, fmt.Errorf("%w: resolve lid: %v", messaging.ErrTransport, err)
		}
		if !pn.IsEmpty() {
			jid = pn
		}
	}

	name := ch.name
	if name == "" {
		if ct, err := ch.client.cache.GetContact(jid.String()); err == nil && ct != nil {
			name = firstNonEmpty(ct.PushName, ct.Name)
		}
	}
	if name == "" {
		if info, err := ch.client.wm.Store.Contacts.GetContact(ctx, jid); err == nil && info.Found {
			name = firstNonEmpty(info.PushName, info.FullName, info.BusinessName)
		}
	}
	return messaging.Counterparty{Address: addressFor(jid), DisplayName: name}, nil
}

// addressFor renders jid so that ParseAddress maps it back to the same
// chat. Phone-number users are bare digits; anything else, including a
// LID with no known number, keeps its server.
func addressFor(jid types.JID) string {
	if jid.Server == types.DefaultUserServer {
		return jid.User
	}
	return jid.ToNonAD().String()
}

// Send delivers a text message and records it in the cache as sent by
// the operator.
func (ch *chat) Send(ctx context.Context, text string) error {
	if !ch.client.wm.IsConnected() {
		return fmt.Errorf("%w: not connected", messaging.ErrTransport)
	}
	resp, err := ch.client.wm.SendMessage(ctx, ch.jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("%w: send message: %v", messaging.ErrTransport, err)
	}
	sent := &store.Message{
		ChatJID:     ch.jid.String(),
		MsgID:       resp.ID,
		Body:        text,
		MessageType: "text",
		FromMe:      true,
		Timestamp:   resp.Timestamp.UnixMilli(),
	}
	if err := ch.client.cache.UpsertMessage(sent, ch.group); err != nil {
		ch.client.logger.Warn("failed to cache sent message", zap.Error(err))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
