package socketrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/model"
)

// Client queries a faultline server over a Unix domain socket using JSON-RPC 2.0.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return errors.New("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}

	if resp.Error != nil {
		if resp.Error.Code == codeNotFound {
			return fmt.Errorf("%w: %s", model.ErrNotFound, resp.Error.Message)
		}
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) ErrorCount(opts model.QueryOpts) (int64, error) {
	var result int64
	err := c.call("ErrorCount", map[string]interface{}{"Opts": opts}, &result)
	return result, err
}

// ListErrors returns one page of errors, newest first, and the total.
func (c *Client) ListErrors(opts model.ListOpts) ([]*model.Error, int64, error) {
	var result ListResult
	err := c.call("ListErrors", opts, &result)
	return result.Errors, result.Total, err
}

// GetError returns the error with id, or an error wrapping model.ErrNotFound.
func (c *Client) GetError(id string) (*model.Error, error) {
	var result model.Error
	if err := c.call("GetError", map[string]interface{}{"ID": id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) TopTypes(limit int, opts model.QueryOpts) ([]model.DimensionCount, error) {
	var result []model.DimensionCount
	err := c.call("TopTypes", map[string]interface{}{"Limit": limit, "Opts": opts}, &result)
	return result, err
}

func (c *Client) Groups() ([]grouping.GroupStats, error) {
	var result []grouping.GroupStats
	err := c.call("Groups", map[string]interface{}{}, &result)
	return result, err
}
