package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dougsko/hardplace/pkg/protocol"
)

// SocketClient represents a client connection to the bridge daemon
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// SetTimeout changes how long a single exchange may take
func (c *SocketClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

func (c *SocketClient) dial() (net.Conn, *bufio.Scanner, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	return conn, bufio.NewScanner(conn), nil
}

func (c *SocketClient) send(conn net.Conn, line string) error {
	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	return nil
}

func readResponse(scanner *bufio.Scanner) (*protocol.Response, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &response, nil
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, scanner, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.send(conn, cmd); err != nil {
		return nil, err
	}
	return readResponse(scanner)
}

// Console runs an HP console command and returns its text. When the
// command asks the operator to confirm, confirm is called with the prompt
// and the text so far; returning false abandons the command.
func (c *SocketClient) Console(line string, confirm func(prompt, text string) bool) (string, error) {
	if !protocol.IsConsoleCommand(line) {
		return "", fmt.Errorf("not a console command: %s", line)
	}

	conn, scanner, err := c.dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := c.send(conn, line); err != nil {
		return "", err
	}

	var text strings.Builder
	for {
		resp, err := readResponse(scanner)
		if err != nil {
			return text.String(), err
		}
		if !resp.Success {
			return text.String(), fmt.Errorf("console error: %s", resp.Error)
		}
		text.WriteString(resp.Text)
		if resp.Prompt == "" {
			return text.String(), nil
		}

		if confirm == nil || !confirm(resp.Prompt, resp.Text) {
			return text.String(), nil
		}
		if err := c.send(conn, "y"); err != nil {
			return text.String(), err
		}
	}
}

// decode re-parses one data field into v
func decode(resp *protocol.Response, key string, v interface{}) error {
	var raw interface{} = resp.Data
	if key != "" {
		field, ok := resp.Data[key]
		if !ok {
			return fmt.Errorf("%s not found in response", key)
		}
		raw = field
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

func (c *SocketClient) call(cmd, what string) (*protocol.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s error: %s", what, resp.Error)
	}
	return resp, nil
}

// GetStatus gets the current bridge status
func (c *SocketClient) GetStatus() (*protocol.Status, error) {
	resp, err := c.call(protocol.CmdStatus, "status")
	if err != nil {
		return nil, err
	}

	var status protocol.Status
	if err := decode(resp, "", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetEvents gets the most recent journaled events, newest first
func (c *SocketClient) GetEvents(limit int) ([]protocol.Event, error) {
	cmd := protocol.CmdEvents
	if limit > 0 {
		cmd = fmt.Sprintf("%s:%d", protocol.CmdEvents, limit)
	}
	return c.events(cmd)
}

// GetEventsSince gets the events journaled after id
func (c *SocketClient) GetEventsSince(id int64) ([]protocol.Event, error) {
	return c.events(fmt.Sprintf("%s:since:%d", protocol.CmdEvents, id))
}

func (c *SocketClient) events(cmd string) ([]protocol.Event, error) {
	resp, err := c.call(cmd, "events")
	if err != nil {
		return nil, err
	}

	events := []protocol.Event{}
	if _, ok := resp.Data["events"]; !ok {
		return events, nil
	}
	if err := decode(resp, "events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetTables gets the persisted power tables as plain JSON data
func (c *SocketClient) GetTables() (map[string]interface{}, error) {
	resp, err := c.call(protocol.CmdTables, "tables")
	if err != nil {
		return nil, err
	}
	tables, ok := resp.Data["tables"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tables not found in response")
	}
	return tables, nil
}

// GetUSBMap gets the learned USB cable assignments
func (c *SocketClient) GetUSBMap() (map[string]interface{}, error) {
	resp, err := c.call(protocol.CmdUSBMap, "usbmap")
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SetTuning allows or forbids tuning on one amplifier antenna
func (c *SocketClient) SetTuning(amplifier string, antenna int, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	_, err := c.call(fmt.Sprintf("%s:%s:%d:%s", protocol.CmdTuning, amplifier, antenna, state), "tuning")
	return err
}

// Pair starts pairing with the radio. The outcome arrives as an event.
func (c *SocketClient) Pair() error {
	_, err := c.call(protocol.CmdPair, "pair")
	return err
}

// ClearPairing forgets the paired radio
func (c *SocketClient) ClearPairing() error {
	_, err := c.call(protocol.CmdPair+":clear", "pair")
	return err
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.call(protocol.CmdPing, "ping")
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
