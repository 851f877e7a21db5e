package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/mlsadapter"
	"github.com/shipcore/groupcore/internal/metrics"
)

// outboundQueueCapacity bounds the Delivery Client's single outbound
// sender channel; callers past this block until room frees up.
const outboundQueueCapacity = 100

const defaultHeartbeatInterval = 30 * time.Second

// Dispatcher receives decoded stream items. *grouphandler.Handler
// satisfies this interface; it is declared narrowly here so this package
// never imports grouphandler.
type Dispatcher interface {
	HandleGroupMessage(ctx context.Context, messageID uint64, groupID []byte, isCommit bool, payload []byte)
	HandleWelcomeMessage(client *mlsadapter.Client, payload []byte)
	HandleBookkeeping(kind, detail string)
	HandleStreamError(err error)
}

// Client is the Delivery Client: one websocket stream per device plus
// the unary RPC surface, grounded on the teacher SDK's Bot/Client split
// (a persistent gateway connection alongside a plain REST client) but
// generalized from a single-endpoint Discord-style gateway to a
// multi-endpoint, reconnecting group-message stream.
type Client struct {
	endpoints []string
	userID    uint64
	deviceID  string
	authToken string

	crypto  crypto.Provider
	signKey []byte

	mlsClient  *mlsadapter.Client
	dispatcher Dispatcher
	logger     *slog.Logger

	httpClient *http.Client
	baseURL    string

	mu            sync.Mutex
	subscriptions map[string]struct{}

	outbound chan Envelope

	conn          *websocket.Conn
	heartbeatI    time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

// Config carries everything a Client needs to dial and authenticate.
type Config struct {
	Endpoints  []string
	UserID     uint64
	DeviceID   string
	AuthToken  string
	SigningKey []byte
	Crypto     crypto.Provider
	MLSClient  *mlsadapter.Client
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// NewClient constructs a Client ready to Run. At least one endpoint is
// required; Run dials them in order on every (re)connect attempt.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("delivery: at least one endpoint is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoints:     cfg.Endpoints,
		userID:        cfg.UserID,
		deviceID:      cfg.DeviceID,
		authToken:     cfg.AuthToken,
		crypto:        cfg.Crypto,
		signKey:       cfg.SigningKey,
		mlsClient:     cfg.MLSClient,
		dispatcher:    cfg.Dispatcher,
		logger:        logger,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       strings.TrimRight(cfg.Endpoints[0], "/"),
		subscriptions: make(map[string]struct{}),
		outbound:      make(chan Envelope, outboundQueueCapacity),
		done:          make(chan struct{}),
	}, nil
}

func (c *Client) sign(message []byte) ([]byte, error) {
	return c.crypto.Sign(c.signKey, message)
}

// Subscribe adds groupID to the stream's fan-out set, sending an
// UpdateGroupSubscriptions frame if already connected.
func (c *Client) Subscribe(groupID []byte) {
	c.mu.Lock()
	c.subscriptions[string(groupID)] = struct{}{}
	c.mu.Unlock()
	c.enqueue(KindUpdateGroupSubscriptions, UpdateGroupSubscriptions{Add: [][]byte{groupID}})
}

// Unsubscribe removes groupID from the stream's fan-out set.
func (c *Client) Unsubscribe(groupID []byte) {
	c.mu.Lock()
	delete(c.subscriptions, string(groupID))
	c.mu.Unlock()
	c.enqueue(KindUpdateGroupSubscriptions, UpdateGroupSubscriptions{Remove: [][]byte{groupID}})
}

func (c *Client) subscriptionList() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, []byte(id))
	}
	return out
}

// SendApplicationMessage submits a GroupMessage carrying an already-sealed
// application envelope to the named members.
func (c *Client) SendApplicationMessage(messageID uint64, groupID []byte, members []uint64, envelope []byte) {
	c.enqueue(KindGroupMessage, GroupMessage{
		MessageID: messageID,
		GroupID:   groupID,
		Members:   members,
		Message:   TagApplicationMessage(envelope),
	})
	metrics.MessagesSentTotal.Inc()
}

// SendCommit submits a GroupMessage carrying a post-commit state snapshot
// to the named members.
func (c *Client) SendCommit(messageID uint64, groupID []byte, members []uint64, commit []byte) {
	c.enqueue(KindGroupMessage, GroupMessage{
		MessageID: messageID,
		GroupID:   groupID,
		Members:   members,
		Message:   TagCommitMessage(commit),
	})
}

// SendWelcome submits a SendWelcomeMessage to one user.
func (c *Client) SendWelcome(messageID uint64, userID uint64, welcome []byte) {
	c.enqueue(KindSendWelcomeMessage, SendWelcomeMessage{
		MessageID:      messageID,
		UserID:         userID,
		WelcomeMessage: welcome,
	})
}

// AckDelivery implements grouphandler.Acker by enqueuing an AckDelivery
// frame; acknowledgement is fire-and-forget, matching §5's "no per-message
// timeout" cancellation policy.
func (c *Client) AckDelivery(messageID uint64, userID uint64, deviceID string, groupID []byte) error {
	c.enqueue(KindAckDelivery, AckDelivery{
		MessageID: messageID,
		UserID:    userID,
		DeviceID:  deviceID,
		GroupID:   groupID,
	})
	return nil
}

func (c *Client) enqueue(kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal stream payload", slog.String("kind", kind), slog.String("error", err.Error()))
		return
	}
	c.outbound <- Envelope{Op: OpStream, Kind: kind, Data: data}
}

// Run dials the stream and processes it until ctx is cancelled,
// reconnecting across the configured endpoint list on every
// termination. It blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.logger.Error("stream session ended", slog.String("error", err.Error()))
			c.dispatcher.HandleStreamError(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.StreamReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// runOnce dials one endpoint, replays InitGroupStream with the current
// subscription set, and runs the read/heartbeat/write loops until any of
// them exits.
func (c *Client) runOnce(ctx context.Context) error {
	var dialErr error
	var conn *websocket.Conn
	for _, endpoint := range c.endpoints {
		wsURL := toWebsocketURL(endpoint)
		var err error
		conn, _, err = websocket.Dial(ctx, wsURL, nil)
		if err == nil {
			dialErr = nil
			break
		}
		dialErr = fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if dialErr != nil {
		return dialErr
	}
	conn.SetReadLimit(4 << 20)
	c.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "client shutting down")

	_, helloData, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	var hello Envelope
	if err := json.Unmarshal(helloData, &hello); err != nil {
		return fmt.Errorf("parsing hello: %w", err)
	}
	c.heartbeatI = defaultHeartbeatInterval
	if hello.Op == OpHello {
		var payload struct {
			HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
		}
		if err := json.Unmarshal(hello.Data, &payload); err == nil && payload.HeartbeatIntervalMS > 0 {
			c.heartbeatI = time.Duration(payload.HeartbeatIntervalMS) * time.Millisecond
		}
	}

	now := time.Now().Unix()
	sig, err := c.sign(InitGroupStreamTBS{UserID: c.userID, DeviceID: c.deviceID, Date: now}.Encode())
	if err != nil {
		return fmt.Errorf("sign init_group_stream: %w", err)
	}
	init := InitGroupStream{
		UserID:    c.userID,
		DeviceID:  c.deviceID,
		Date:      now,
		Signature: sig,
		GroupIDs:  c.subscriptionList(),
	}
	data, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("marshal init_group_stream: %w", err)
	}
	if err := c.write(ctx, Envelope{Op: OpStream, Kind: KindInitGroupStream, Data: data}); err != nil {
		return fmt.Errorf("sending init_group_stream: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- c.readLoop(sessionCtx) }()
	go func() { errCh <- c.heartbeatLoop(sessionCtx) }()
	go func() { errCh <- c.writeLoop(sessionCtx) }()

	err = <-errCh
	cancel()
	return err
}

func (c *Client) write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains the bounded outbound channel onto the wire, the one
// producer-accepting sender described for the Delivery Client in §5.
func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.outbound:
			if err := c.write(ctx, env); err != nil {
				return fmt.Errorf("writing stream frame: %w", err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeatI)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.write(ctx, Envelope{Op: OpHeartbeat}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading stream: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Error("invalid stream frame", slog.String("error", err.Error()))
			continue
		}

		switch env.Op {
		case OpHeartbeatAck:
			// expected response to our heartbeats
		case OpStream:
			c.dispatchInbound(ctx, env)
		default:
			c.logger.Warn("unknown stream opcode", slog.Int("op", env.Op))
		}
	}
}

func (c *Client) dispatchInbound(ctx context.Context, env Envelope) {
	switch env.Kind {
	case KindGroupMessage:
		var msg GroupMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Error("decode group_message", slog.String("error", err.Error()))
			return
		}
		isCommit, payload, ok := untagGroupMessage(msg.Message)
		if !ok {
			c.logger.Error("group_message payload missing tag byte")
			return
		}
		c.dispatcher.HandleGroupMessage(ctx, msg.MessageID, msg.GroupID, isCommit, payload)

	case KindSendWelcomeMessage:
		var msg SendWelcomeMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Error("decode send_welcome_message", slog.String("error", err.Error()))
			return
		}
		c.dispatcher.HandleWelcomeMessage(c.mlsClient, msg.WelcomeMessage)

	case KindAckDelivery:
		var msg AckDelivery
		if err := json.Unmarshal(env.Data, &msg); err == nil {
			c.dispatcher.HandleBookkeeping(KindAckDelivery, fmt.Sprintf("message_id=%d", msg.MessageID))
		}

	case KindUpdateGroupSubscriptions:
		c.dispatcher.HandleBookkeeping(KindUpdateGroupSubscriptions, "")

	case KindError:
		var streamErr streamError
		if err := json.Unmarshal(env.Data, &streamErr); err == nil {
			c.dispatcher.HandleStreamError(errors.New(streamErr.Message))
		}

	default:
		c.logger.Warn("unknown stream message kind", slog.String("kind", env.Kind))
	}
}

// Stop ends any running Run loop and closes the stream.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "client stopped")
		}
	})
}

func toWebsocketURL(endpoint string) string {
	u := strings.TrimRight(endpoint, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/v1/group_stream"
}
