// Package client is a Go client for the witnet node HTTP API.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"Witnet/internal/types"
)

// ErrNotFound is returned when the node holds no proof for the request.
var ErrNotFound = errors.New("proof not found")

// StatusError is an unexpected HTTP status from the node.
type StatusError struct {
	Method  string // Method is the HTTP method
	Path    string // Path is the request path
	Code    int    // Code is the response status
	Message string // Message is the node's error text, if any
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}

	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// Client connects to a witnet node via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	http     *http.Client // http carries every call
}

// Status is the node summary returned by GET /status.
type Status struct {
	SetID         uint64 `json:"setId"`
	Threshold     uint32 `json:"threshold"`
	Validators    int    `json:"validators"`
	Signer        bool   `json:"signer"`
	SignerIndex   uint32 `json:"signerIndex"`
	Peers         int    `json:"peers"`
	Pending       int    `json:"pending"`
	Stuck         int    `json:"stuck"`
	OldestPending string `json:"oldestPending"`
	StoreDegraded bool   `json:"storeDegraded"`
}

type requestBody struct {
	RequestID   uint64 `json:"requestId"`
	SetID       uint64 `json:"setId"`
	Message     string `json:"message"`
	OriginBlock uint64 `json:"originBlock"`
}

type proofBody struct {
	RequestID  uint64 `json:"requestId"`
	SetID      uint64 `json:"setId"`
	Message    string `json:"message"`
	Signatures []struct {
		Index     uint32 `json:"index"`
		Signature string `json:"signature"`
	} `json:"signatures"`
}

// New creates a client for the node at nodeAddr.
func New(nodeAddr string) *Client {
	return &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Addr returns the node address.
func (c *Client) Addr() string {
	return c.nodeAddr
}

// Health reports whether the node answers GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, http.StatusOK)
}

// Status fetches the node summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st, http.StatusOK); err != nil {
		return nil, err
	}

	return &st, nil
}

// SubmitRequest asks the node to witness a request.
func (c *Client) SubmitRequest(ctx context.Context, req *types.ProofRequest) error {
	body := requestBody{
		RequestID:   req.RequestID,
		SetID:       req.SetID,
		Message:     hex.EncodeToString(req.Message),
		OriginBlock: req.OriginBlock,
	}

	if err := c.do(ctx, http.MethodPost, "/request", body, nil, http.StatusAccepted); err != nil {
		return fmt.Errorf("submit request %d:\n%w", req.RequestID, err)
	}

	return nil
}

// GetProof fetches the finalized proof of a request.
func (c *Client) GetProof(ctx context.Context, id uint64) (*types.Proof, error) {
	var body proofBody

	err := c.do(ctx, http.MethodGet, "/proof/"+strconv.FormatUint(id, 10), nil, &body, http.StatusOK)
	if isStatus(err, http.StatusNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return body.decode()
}

// WaitProof polls until the proof of id is available or ctx ends.
func (c *Client) WaitProof(ctx context.Context, id uint64, interval time.Duration) (*types.Proof, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var proof *types.Proof

	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		p, err := c.GetProof(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return retry.RetryableError(err)
		}

		if err != nil {
			return err
		}

		proof = p

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait proof %d:\n%w", id, err)
	}

	return proof, nil
}

// Ack tells the node the proof of id was consumed and may be pruned.
func (c *Client) Ack(ctx context.Context, id uint64) error {
	err := c.do(ctx, http.MethodPost, "/proof/"+strconv.FormatUint(id, 10)+"/ack", nil, nil, http.StatusNoContent)
	if isStatus(err, http.StatusNotFound) {
		return ErrNotFound
	}

	return err
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func (b *proofBody) decode() (*types.Proof, error) {
	msg, err := hex.DecodeString(b.Message)
	if err != nil {
		return nil, fmt.Errorf("proof message:\n%w", err)
	}

	p := &types.Proof{
		RequestID:  b.RequestID,
		SetID:      b.SetID,
		Message:    msg,
		Signatures: make([]types.SignatureEntry, len(b.Signatures)),
	}

	for i, s := range b.Signatures {
		sig, err := hex.DecodeString(s.Signature)
		if err != nil {
			return nil, fmt.Errorf("proof signature %d:\n%w", s.Index, err)
		}

		p.Signatures[i] = types.SignatureEntry{Index: s.Index, Signature: sig}
	}

	return p, nil
}
