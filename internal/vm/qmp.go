package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// defaultControlTimeout bounds control calls whose context carries no deadline.
const defaultControlTimeout = 10 * time.Second

// qmpClient speaks the newline-delimited JSON control protocol over the VM's
// control socket. Requests are {"execute": name, "arguments": {...}};
// responses are {"return": ...} or {"error": {...}}. The peer emits a
// greeting on connect and asynchronous events at any time; both are consumed
// here and never returned to callers.
type qmpClient struct {
	conn       net.Conn
	reader     *bufio.Reader
	negotiated bool
}

type qmpRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type qmpResponse struct {
	Return   json.RawMessage `json:"return"`
	Error    *qmpErrorBody   `json:"error"`
	Event    string          `json:"event"`
	Greeting json.RawMessage `json:"QMP"`
}

type qmpErrorBody struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// dialQMP connects to the control socket and consumes the greeting. It does
// not negotiate capabilities: the handshake must be the first command the
// caller issues, and the peer rejects anything sent before it.
func dialQMP(ctx context.Context, path string) (*qmpClient, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect control socket %s: %w", path, err)
	}

	client := &qmpClient{conn: conn, reader: bufio.NewReader(conn)}

	resp, err := client.readResponse(ctx, "greeting")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Greeting == nil {
		conn.Close()
		return nil, &ProtocolError{Command: "greeting", Desc: "peer did not send a greeting"}
	}
	return client, nil
}

// Negotiate performs the mandatory capability handshake.
func (c *qmpClient) Negotiate(ctx context.Context) error {
	_, err := c.Execute(ctx, "qmp_capabilities", nil)
	if err != nil {
		return err
	}
	c.negotiated = true
	return nil
}

// Negotiated reports whether the capability handshake has completed.
func (c *qmpClient) Negotiated() bool { return c.negotiated }

// Execute sends one command and waits for its matching return or error
// response, skipping interleaved events. A peer error (including rejection
// of commands sent before the handshake) surfaces as a ProtocolError.
func (c *qmpClient) Execute(ctx context.Context, command string, args any) (json.RawMessage, error) {
	payload, err := json.Marshal(qmpRequest{Execute: command, Arguments: args})
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	if err := c.conn.SetWriteDeadline(deadlineFor(ctx)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(payload); err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "control write", Marker: command, Waited: remaining(ctx)}
		}
		return nil, fmt.Errorf("control write %s: %w", command, err)
	}

	for {
		resp, err := c.readResponse(ctx, command)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.Error != nil:
			return nil, &ProtocolError{Command: command, Class: resp.Error.Class, Desc: resp.Error.Desc}
		case resp.Return != nil:
			return resp.Return, nil
		case resp.Event != "" || resp.Greeting != nil:
			// Asynchronous noise; keep reading for our response.
		default:
			return nil, &ProtocolError{Command: command, Desc: "response carries neither return, error, nor event"}
		}
	}
}

func (c *qmpClient) readResponse(ctx context.Context, command string) (*qmpResponse, error) {
	if err := c.conn.SetReadDeadline(deadlineFor(ctx)); err != nil {
		return nil, err
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Op: "control read", Marker: command, Waited: remaining(ctx)}
		}
		return nil, fmt.Errorf("control read %s: %w", command, err)
	}

	var resp qmpResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &ProtocolError{Command: command, Desc: fmt.Sprintf("malformed response %q: %v", line, err)}
	}
	return &resp, nil
}

func (c *qmpClient) Close() error {
	return c.conn.Close()
}

func deadlineFor(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultControlTimeout)
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline).Round(time.Millisecond)
	}
	return defaultControlTimeout
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
