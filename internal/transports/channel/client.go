package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Client - клиент метод-канала. Вызовы сериализуются: один запрос в полете.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	codec  *Codec
	nextID uint64
}

// Dial подключается к каналу.
func Dial(ctx context.Context, network, address string, maxFrame int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial channel %s %s: %w", network, address, err)
	}
	return &Client{conn: conn, codec: NewCodec(conn, maxFrame)}, nil
}

// Invoke отправляет вызов и ждет ответ с тем же ID.
func (c *Client) Invoke(ctx context.Context, channel, method string, arguments interface{}) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}

	c.nextID++
	id := c.nextID
	if err := c.codec.WriteFrame(Request{ID: id, Channel: channel, Method: method, Arguments: arguments}); err != nil {
		return Response{}, err
	}
	for {
		var resp Response
		if err := c.codec.ReadFrame(&resp); err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		if resp.ID == id || resp.ID == 0 {
			return resp, nil
		}
	}
}

// Close закрывает соединение.
func (c *Client) Close() error {
	return c.conn.Close()
}
