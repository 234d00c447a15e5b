package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// Config holds the provider API configuration
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Chapa is a Client for Chapa's REST API
type Chapa struct {
	httpClient *http.Client
	config     Config
}

// envelope is the common shape of every Chapa response
type envelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

func NewChapa(cfg Config) *Chapa {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Chapa{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
	}
}

// Initialize creates a hosted checkout for a deposit
func (c *Chapa) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	env, err := c.do(ctx, "initialize", http.MethodPost, "/v1/transaction/initialize", req)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(env.Status, StatusSuccess) {
		return nil, &Error{Op: "initialize", Message: messageText(env.Message)}
	}

	var out InitializeResponse
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, &Error{Op: "initialize", Message: "undecodable data", Err: err}
	}
	if out.CheckoutURL == "" {
		return nil, &Error{Op: "initialize", Message: "missing checkout_url"}
	}

	return &out, nil
}

// Verify asks the provider for the authoritative status of a deposit
func (c *Chapa) Verify(ctx context.Context, txRef string) (*VerifyResponse, error) {
	env, err := c.do(ctx, "verify", http.MethodGet, "/v1/transaction/verify/"+url.PathEscape(txRef), nil)
	if err != nil {
		return nil, err
	}

	var out VerifyResponse
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &Error{Op: "verify", Message: "missing data: " + messageText(env.Message)}
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, &Error{Op: "verify", Message: "undecodable data", Err: err}
	}
	out.Status = strings.ToLower(out.Status)

	return &out, nil
}

// Transfer sends a payout. A 4xx answer is the provider refusing the payout
// and comes back as a non-success response rather than an error.
func (c *Chapa) Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	env, err := c.do(ctx, "transfer", http.MethodPost, "/v1/transfers", req)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.StatusCode >= 400 && gwErr.StatusCode < 500 {
			return &TransferResponse{Status: StatusFailed, Message: gwErr.Message}, nil
		}
		return nil, err
	}

	out := &TransferResponse{
		Status:  strings.ToLower(env.Status),
		Message: messageText(env.Message),
	}

	// data is either the transfer reference or an object holding it
	var ref string
	if err := json.Unmarshal(env.Data, &ref); err == nil {
		out.Reference = ref
	} else {
		var obj struct {
			Reference string `json:"reference"`
		}
		if json.Unmarshal(env.Data, &obj) == nil {
			out.Reference = obj.Reference
		}
	}

	return out, nil
}

func (c *Chapa) do(ctx context.Context, op, method, path string, body interface{}) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Op: op, Message: "failed to encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Timeout: isTimeout(err), Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && len(env.Message) > 0 {
			msg = messageText(env.Message)
		}
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: "undecodable response", Err: decodeErr}
	}

	return &env, nil
}

// message is a string on success and sometimes an object of field errors on failure
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ Client = (*Chapa)(nil)
