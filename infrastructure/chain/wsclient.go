package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultCallTimeout bounds a single JSON-RPC request/response round trip.
	DefaultCallTimeout = 15 * time.Second

	// subscriptionBuffer bounds queued notifications per subscription. When a
	// consumer falls behind, newer messages are dropped; gap detection
	// downstream recovers the missed heights.
	subscriptionBuffer = 64
)

// WSClient is a JSON-RPC 2.0 client over a single WebSocket connection. It
// correlates responses by request id and demultiplexes subscription
// notifications by subscription id.
type WSClient struct {
	url         string
	conn        *websocket.Conn
	callTimeout time.Duration

	writeMu sync.Mutex
	nextID  uint64

	mu      sync.Mutex
	shut    bool
	pending map[uint64]chan *RPCResponse
	subs    map[string]*Subscription
	orphans map[string][]json.RawMessage

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Subscription is a live server-push stream established via a subscribe method.
type Subscription struct {
	ID          string
	method      string
	unsubMethod string
	client      *WSClient
	ch          chan json.RawMessage
	dropped     uint64
}

// DialWS connects to a WebSocket JSON-RPC endpoint and starts the read loop.
func DialWS(ctx context.Context, url string, callTimeout time.Duration) (*WSClient, error) {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSClient{
		url:         url,
		conn:        conn,
		callTimeout: callTimeout,
		pending:     make(map[uint64]chan *RPCResponse),
		subs:        make(map[string]*Subscription),
		orphans:     make(map[string][]json.RawMessage),
		closed:      make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// URL returns the endpoint this client is connected to.
func (c *WSClient) URL() string {
	return c.url
}

// Call performs a JSON-RPC request and waits for the matching response.
func (c *WSClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	id := atomic.AddUint64(&c.nextID, 1)
	respCh := make(chan *RPCResponse, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	if err := c.write(&req); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: timeout after %s", method, c.callTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("%s: connection closed: %w", method, c.closeErr)
	}
}

// Subscribe establishes a subscription stream. The unsubscribe method is
// invoked by Subscription.Unsubscribe.
func (c *WSClient) Subscribe(ctx context.Context, method, unsubMethod string, params []interface{}) (*Subscription, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", method, err)
	}

	subID := normalizeSubID(result)
	if subID == "" {
		return nil, fmt.Errorf("subscribe %s: empty subscription id", method)
	}

	sub := &Subscription{
		ID:          subID,
		method:      method,
		unsubMethod: unsubMethod,
		client:      c,
		ch:          make(chan json.RawMessage, subscriptionBuffer),
	}

	// Notifications can arrive before the subscribe response is consumed;
	// flush anything buffered for this id.
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		close(sub.ch)
		return nil, fmt.Errorf("subscribe %s: connection closed", method)
	}
	c.subs[subID] = sub
	for _, msg := range c.orphans[subID] {
		select {
		case sub.ch <- msg:
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
	delete(c.orphans, subID)
	c.mu.Unlock()

	return sub, nil
}

// Events returns the notification stream. The channel is closed when the
// connection drops or the subscription ends.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.ch
}

// Dropped returns how many notifications were discarded because the consumer
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Unsubscribe tears down the subscription on the server and closes the stream.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.client.mu.Lock()
	_, live := s.client.subs[s.ID]
	delete(s.client.subs, s.ID)
	if live {
		close(s.ch)
	}
	s.client.mu.Unlock()

	if !live {
		return nil
	}

	_, err := s.client.Call(ctx, s.unsubMethod, []interface{}{s.ID})
	return err
}

// Closed is signalled when the connection is no longer usable.
func (c *WSClient) Closed() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close tears down the connection, failing pending calls and closing all
// subscription streams.
func (c *WSClient) Close() error {
	c.shutdown(fmt.Errorf("client closed"))
	return nil
}

func (c *WSClient) write(req *RPCRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSClient) readLoop() {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var resp RPCResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			// Malformed frame; the stream framing is still intact.
			continue
		}

		if resp.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*resp.ID]
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
			continue
		}

		if resp.Params != nil {
			c.dispatch(&resp)
		}
	}
}

func (c *WSClient) dispatch(resp *RPCResponse) {
	subID := resp.Params.SubscriptionID()

	// The send happens under mu so a concurrent Unsubscribe cannot close the
	// channel between lookup and send.
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[subID]
	if !ok {
		// Races the subscribe response; hold a bounded buffer until the
		// subscription registers.
		if len(c.orphans[subID]) < subscriptionBuffer {
			c.orphans[subID] = append(c.orphans[subID], resp.Params.Result)
		}
		return
	}

	select {
	case sub.ch <- resp.Params.Result:
	default:
		atomic.AddUint64(&sub.dropped, 1)
	}
}

func (c *WSClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shut = true
		c.closeErr = err
		subs := c.subs
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()

		close(c.closed)
		c.conn.Close()

		for _, sub := range subs {
			close(sub.ch)
		}
	})
}
