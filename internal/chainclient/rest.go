package chainclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRestClient is the concrete RestClient implementation talking to the
// chain node's REST API. The API itself is an external collaborator (§1);
// this client only needs the four operations RestClient names.
type HTTPRestClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPRestClient(baseURL string) *HTTPRestClient {
	return &HTTPRestClient{BaseURL: baseURL, HTTP: &http.Client{}}
}

func (c *HTTPRestClient) ChainID(ctx context.Context) (uint8, error) {
	var out struct {
		ChainID uint8 `json:"chain_id"`
	}
	if err := c.getJSON(ctx, "/v1", &out); err != nil {
		return 0, err
	}
	return out.ChainID, nil
}

func (c *HTTPRestClient) AccountSequenceNumber(ctx context.Context, addr Address) (uint64, error) {
	var out struct {
		SequenceNumber string `json:"sequence_number"`
	}
	if err := c.getJSON(ctx, "/v1/accounts/"+addr.Hex(), &out); err != nil {
		return 0, err
	}
	var seq uint64
	if _, err := fmt.Sscanf(out.SequenceNumber, "%d", &seq); err != nil {
		return 0, fmt.Errorf("chainclient: parse sequence number %q: %w", out.SequenceNumber, err)
	}
	return seq, nil
}

type submitTransactionRequest struct {
	Sender         string `json:"sender"`
	SequenceNumber string `json:"sequence_number"`
	Payload        string `json:"payload"` // hex-encoded BCS bytes
	ExpirationUnix int64  `json:"expiration_timestamp_secs"`
	GasUnitPrice   uint64 `json:"gas_unit_price"`
	MaxGasAmount   uint64 `json:"max_gas_amount"`
	ChainID        uint8  `json:"chain_id"`
	PublicKey      string `json:"public_key"`
	Signature      string `json:"signature"`
}

func (c *HTTPRestClient) SubmitTransaction(ctx context.Context, signed SignedTransaction) (PendingTransaction, error) {
	reqBody := submitTransactionRequest{
		Sender:         signed.Sender.Hex(),
		SequenceNumber: fmt.Sprintf("%d", signed.SequenceNumber),
		Payload:        hex.EncodeToString(signed.Payload),
		ExpirationUnix: signed.Expiration.Unix(),
		GasUnitPrice:   signed.GasUnitPrice,
		MaxGasAmount:   signed.MaxGasAmount,
		ChainID:        signed.ChainID,
		PublicKey:      hex.EncodeToString(signed.PublicKey),
		Signature:      hex.EncodeToString(signed.Signature),
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.postJSON(ctx, "/v1/transactions", reqBody, &out); err != nil {
		return PendingTransaction{}, err
	}
	return PendingTransaction{Hash: out.Hash}, nil
}

func (c *HTTPRestClient) WaitForTransactionByHash(ctx context.Context, hash string) (IncludedTransaction, error) {
	var out struct {
		Hash    string `json:"hash"`
		Type    string `json:"type"`
		Success bool   `json:"success"`
	}
	if err := c.getJSON(ctx, "/v1/transactions/by_hash/"+hash, &out); err != nil {
		return IncludedTransaction{}, err
	}
	return IncludedTransaction{
		Hash:    out.Hash,
		IsUser:  out.Type == "user_transaction",
		Success: out.Success,
	}, nil
}

func (c *HTTPRestClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("chainclient: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chainclient: GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPRestClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("chainclient: marshal request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("chainclient: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chainclient: POST %s: status %d: %s", path, resp.StatusCode, respBody)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
