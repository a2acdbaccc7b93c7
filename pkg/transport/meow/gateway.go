// Package meow adapts whatsmeow to the router's transport interfaces: it
// turns inbound WhatsApp messages into queue jobs and connection events into
// disconnect causes for the resilience manager.
package meow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	wproto "google.golang.org/protobuf/proto"

	"zapflow/pkg/logx"
	"zapflow/pkg/proto"
	"zapflow/pkg/queue"
	"zapflow/pkg/transport"
)

// enqueueTimeout bounds the queue write from the event handler goroutine.
const enqueueTimeout = 10 * time.Second

// LifecycleSink receives connection transitions from the gateway. The
// resilience manager implements it.
type LifecycleSink interface {
	HandleConnected(key proto.InstanceKey)
	HandleDisconnected(key proto.InstanceKey, cause proto.DisconnectCause)
	// HandlePairing reports QR/pairing progress (qr-pending on each code,
	// pairing-pending once the scan succeeds) so the pairing flow is
	// observable on the lifecycle event stream.
	HandlePairing(key proto.InstanceKey, phase proto.Phase)
}

// Gateway owns one whatsmeow client per instance, all backed by a shared
// session store. It implements transport.Sender and transport.Dialer.
type Gateway struct {
	container *sqlstore.Container
	queue     *queue.Queue
	logger    *logx.Logger

	mu       sync.Mutex
	clients  map[string]*whatsmeow.Client
	assigned int
	sink     LifecycleSink
}

var _ transport.Sender = (*Gateway)(nil)
var _ transport.Dialer = (*Gateway)(nil)

// NewGateway opens the whatsmeow session store at dbPath. Inbound messages
// are enqueued on q.
func NewGateway(ctx context.Context, dbPath string, q *queue.Queue) (*Gateway, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("meow-db", "WARN", false))
	if err != nil {
		return nil, fmt.Errorf("open session store %s: %w", dbPath, err)
	}
	return &Gateway{
		container: container,
		queue:     q,
		logger:    logx.NewLogger("meow"),
		clients:   make(map[string]*whatsmeow.Client),
	}, nil
}

// SetLifecycleSink wires the resilience manager. Must be called before
// Connect; the gateway drops lifecycle transitions until a sink is set.
func (g *Gateway) SetLifecycleSink(sink LifecycleSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

// Connect implements transport.Dialer. A device without a stored session
// goes through QR pairing; the code is logged for the operator to scan.
func (g *Gateway) Connect(ctx context.Context, key proto.InstanceKey) error {
	cli, err := g.client(ctx, key)
	if err != nil {
		return err
	}
	if cli.IsConnected() {
		return nil
	}

	if cli.Store.ID == nil {
		return g.pair(ctx, key, cli)
	}
	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", key, err)
	}
	return nil
}

// pair runs the QR pairing flow for a fresh device.
func (g *Gateway) pair(ctx context.Context, key proto.InstanceKey, cli *whatsmeow.Client) error {
	qrChan, err := cli.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel for %s: %w", key, err)
	}
	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect %s for pairing: %w", key, err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			g.logger.Info("Pairing %s: scan QR code %s", key, evt.Code)
			g.notifyPairing(key, proto.PhaseQRPending)
		case "success":
			g.logger.Info("Paired %s", key)
			g.notifyPairing(key, proto.PhasePairingPending)
			return nil
		default:
			return fmt.Errorf("pairing %s: %s", key, evt.Event)
		}
	}
	return fmt.Errorf("pairing %s: channel closed before success", key)
}

// Disconnect implements transport.Dialer.
func (g *Gateway) Disconnect(key proto.InstanceKey) {
	g.mu.Lock()
	cli := g.clients[key.InstanceID]
	g.mu.Unlock()
	if cli != nil {
		cli.Disconnect()
	}
}

// SendText implements transport.Sender.
func (g *Gateway) SendText(ctx context.Context, instanceID, toAddress, text, tenantID string) (transport.SendResult, error) {
	g.mu.Lock()
	cli := g.clients[instanceID]
	g.mu.Unlock()
	if cli == nil || !cli.IsConnected() {
		return transport.SendResult{}, fmt.Errorf("instance %s is not connected", instanceID)
	}

	jid, err := parseAddress(toAddress)
	if err != nil {
		return transport.SendResult{}, err
	}
	resp, err := cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: wproto.String(text)})
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("send to %s via %s: %w", toAddress, instanceID, err)
	}
	return transport.SendResult{MessageID: resp.ID}, nil
}

// client returns the whatsmeow client for key, creating it on first use.
// Devices are assigned in connect order; the mapping is stable as long as
// the configured instance list is.
func (g *Gateway) client(ctx context.Context, key proto.InstanceKey) (*whatsmeow.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cli, ok := g.clients[key.InstanceID]; ok {
		return cli, nil
	}

	devices, err := g.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var device *wstore.Device
	if g.assigned < len(devices) {
		device = devices[g.assigned]
	} else {
		device = g.container.NewDevice()
	}
	g.assigned++

	cli := whatsmeow.NewClient(device, waLog.Stdout("meow:"+key.InstanceID, "WARN", false))
	cli.AddEventHandler(g.eventHandler(key))
	g.clients[key.InstanceID] = cli
	return cli, nil
}

// eventHandler maps whatsmeow events for one instance onto the router's
// taxonomy.
func (g *Gateway) eventHandler(key proto.InstanceKey) func(interface{}) {
	return func(raw interface{}) {
		switch evt := raw.(type) {
		case *events.Connected:
			g.notifyConnected(key)
		case *events.LoggedOut:
			g.notifyDisconnected(key, proto.CauseLoggedOut)
		case *events.StreamReplaced:
			g.notifyDisconnected(key, proto.CauseSessionReplaced)
		case *events.StreamError:
			g.notifyDisconnected(key, proto.CauseStreamError)
		case *events.Disconnected:
			g.notifyDisconnected(key, proto.CauseNetwork)
		case *events.Message:
			g.handleMessage(key, evt)
		}
	}
}

func (g *Gateway) notifyConnected(key proto.InstanceKey) {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink != nil {
		sink.HandleConnected(key)
	}
}

func (g *Gateway) notifyDisconnected(key proto.InstanceKey, cause proto.DisconnectCause) {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink != nil {
		sink.HandleDisconnected(key, cause)
	}
}

func (g *Gateway) notifyPairing(key proto.InstanceKey, phase proto.Phase) {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink != nil {
		sink.HandlePairing(key, phase)
	}
}

// handleMessage converts an inbound user message into a queue job. Own
// messages, group chats, and broadcasts are ignored.
func (g *Gateway) handleMessage(key proto.InstanceKey, evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	chat := evt.Info.Chat.String()
	if strings.HasPrefix(chat, "status@") || strings.HasSuffix(chat, "@broadcast") {
		return
	}
	text := extractText(evt.Message)
	if text == "" {
		return
	}

	job := &proto.InboundJob{
		ID:            evt.Info.ID,
		TenantID:      key.TenantID,
		InstanceID:    key.InstanceID,
		SenderAddress: evt.Info.Sender.String(),
		Content:       text,
		MessageID:     evt.Info.ID,
		PushName:      evt.Info.PushName,
		Timestamp:     evt.Info.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := g.queue.Enqueue(ctx, job); err != nil {
		g.logger.Error("Enqueue inbound message %s for %s failed: %v", evt.Info.ID, key, err)
	}
}

// extractText pulls the plain text out of a message, covering both bare
// conversations and extended (quoted/linked) text.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// parseAddress resolves a transport address or bare number to a JID.
func parseAddress(address string) (types.JID, error) {
	if strings.ContainsRune(address, '@') {
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse address %q: %w", address, err)
		}
		return jid, nil
	}
	return types.NewJID(address, types.DefaultUserServer), nil
}
