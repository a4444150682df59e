package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"movieshelf/internal/docstore"
)

var ErrClientClosed = errors.New("realtime client closed")

// Client subscribes to channels of a remote Server. Each subscription holds
// its own connection and reconnects with exponential backoff until it is
// cancelled. Events published while disconnected are lost; once a
// reconnected server confirms the subscription the client delivers a
// docstore.ActionResync event instead.
type Client struct {
	endpoint string
	dialer   *websocket.Dialer
	log      zerolog.Logger

	MinDelay time.Duration
	MaxDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient returns a client for a ws:// or wss:// endpoint.
func NewClient(endpoint string, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse realtime endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		endpoint: u.String(),
		dialer:   websocket.DefaultDialer,
		log:      log.With().Str("component", "realtime-client").Logger(),
		MinDelay: 250 * time.Millisecond,
		MaxDelay: 30 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Subscribe implements docstore.Subscriber. onEvent runs on the
// subscription's reader goroutine.
func (c *Client) Subscribe(channel string, onEvent func(docstore.Event)) func() {
	if c.ctx.Err() != nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, channel, onEvent)
	}()

	var once sync.Once
	return func() { once.Do(cancel) }
}

// Close cancels every subscription and waits for their goroutines.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) run(ctx context.Context, channel string, onEvent func(docstore.Event)) {
	for reconnect := false; ctx.Err() == nil; reconnect = true {
		conn, err := c.connect(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error().Err(err).Str("channel", channel).Msg("realtime subscribe gave up")
			}
			return
		}
		c.consume(ctx, conn, channel, reconnect, onEvent)
	}
}

func (c *Client) connect(ctx context.Context, channel string) (*websocket.Conn, error) {
	target := c.endpoint + "?channels=" + url.QueryEscape(channel)

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			ws, resp, err := c.dialer.DialContext(ctx, target, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				return err
			}
			conn = ws
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.MinDelay),
		retry.MaxDelay(c.MaxDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug().Err(err).Uint("attempt", n+1).Str("channel", channel).Msg("realtime dial failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// consume reads frames until the connection drops or ctx is cancelled. The
// server sends its hello after subscribing, so on a reconnect the resync is
// delivered from there.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn, channel string, reconnect bool, onEvent func(docstore.Event)) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Str("channel", channel).Msg("realtime connection lost")
			}
			return
		}
		if msg.Type == TypeConnected {
			if reconnect {
				c.log.Info().Str("channel", channel).Msg("realtime feed reconnected")
				onEvent(docstore.ResyncEvent(channel, time.Now()))
			}
			continue
		}
		if msg.Type != TypeEvent {
			continue
		}
		var evt docstore.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			c.log.Warn().Err(err).Msg("decode realtime event")
			continue
		}
		onEvent(evt)
	}
}
