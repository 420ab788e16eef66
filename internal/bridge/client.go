package bridge

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/httpx"
)

// StageSummary is the per-stage evidence recorded alongside the payload hash.
type StageSummary struct {
	Number         int       `json:"number"`
	Name           string    `json:"name"`
	VerifiedImages int       `json:"verified_images"`
	VerifiedAt     time.Time `json:"verified_at"`
}

type AnchorRequest struct {
	CertificateCode string         `json:"certificate_code"`
	BatchID         uuid.UUID      `json:"batch_id"`
	PayloadHash     string         `json:"payload_hash"`
	Stages          []StageSummary `json:"stages"`
}

type AnchorReceipt struct {
	TransactionID string `json:"transaction_id"`
	Network       string `json:"network"`
	Status        string `json:"status"`
}

const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

type Transaction struct {
	ID            string     `json:"id"`
	Network       string     `json:"network"`
	Status        string     `json:"status"`
	BlockNumber   int64      `json:"block_number,omitempty"`
	Confirmations int        `json:"confirmations"`
	PayloadHash   string     `json:"payload_hash"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

type Client interface {
	AnchorBatch(ctx context.Context, req AnchorRequest) (*AnchorReceipt, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
}

type HTTPClient struct {
	caller *httpx.Caller
}

// NewHTTPClient builds a client from caller options; Service defaults to "bridge".
func NewHTTPClient(opts httpx.Options) *HTTPClient {
	if opts.Service == "" {
		opts.Service = "bridge"
	}
	return &HTTPClient{caller: httpx.NewCaller(opts)}
}

func (c *HTTPClient) AnchorBatch(ctx context.Context, req AnchorRequest) (*AnchorReceipt, error) {
	var out AnchorReceipt
	if err := c.caller.Do(ctx, http.MethodPost, "/v1/anchor", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var out Transaction
	if err := c.caller.Do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) BreakerState() string {
	return c.caller.BreakerState()
}
