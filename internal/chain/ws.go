package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// SubscribeHeads asks the node to push every new block header.
func (c *WSClient) SubscribeHeads(ctx context.Context) error {
	if c.Conn == nil {
		return errors.New("ws not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetWriteDeadline(deadline)
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	if c.Conn == nil {
		return nil, errors.New("ws not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetReadDeadline(deadline)
	}
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseHead extracts a block header from an eth_subscription notification.
// Subscription acknowledgements and other messages return ok=false.
func ParseHead(msg []byte) (*Head, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || len(env.Params.Result) == 0 {
		return nil, false, nil
	}

	var header struct {
		Number string `json:"number"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(env.Params.Result, &header); err != nil {
		return nil, false, err
	}
	if header.Number == "" {
		return nil, false, nil
	}
	n, err := parseHexInt64(header.Number)
	if err != nil {
		return nil, false, err
	}
	return &Head{Number: n, Hash: strings.ToLower(header.Hash)}, true, nil
}

func parseHexInt64(v string) (int64, error) {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	if v == "" {
		return 0, errors.New("empty hex quantity")
	}
	return strconv.ParseInt(v, 16, 64)
}
