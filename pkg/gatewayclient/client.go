/**
 * @description
 * This package provides a client for the mobile-money payment gateway. It
 * encapsulates OAuth token acquisition, hold initiation (customer push
 * payment) and settlement transfers (business payout), along with the
 * gateway's timestamp/password signature scheme.
 *
 * The client is side-effect-free with respect to persistence: it returns the
 * gateway's response and raw body, and the escrow ledger decides what to
 * record.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrSettlementConfig is returned when settlement credentials or URLs
	// are missing. It fails fast at call time instead of silently no-opping.
	ErrSettlementConfig = errors.New("settlement credentials not configured")
)

// GatewayError carries the gateway's HTTP status and raw body for a failed
// call. It is safe to retry manually.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// Config holds the gateway credentials and endpoints.
type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	CallbackURL        string
	InitiatorName      string
	SecurityCredential string
	ResultURL          string
	TimeoutURL         string
}

// Client is a client for the mobile-money gateway API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client
	now        func() time.Time
}

// NewClient creates a new gateway client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// TokenResponse is the OAuth credential exchange response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// HoldRequest is the push-payment request payload.
type HoldRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// HoldResponse is the gateway's synchronous acknowledgement of a hold.
type HoldResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	// Raw is the unmodified response body, retained for forensic storage.
	Raw json.RawMessage `json:"-"`
}

// SettlementRequest is the business payout request payload.
type SettlementRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             string `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// SettlementResponse is the gateway's synchronous acknowledgement of a payout.
type SettlementResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`

	Raw json.RawMessage `json:"-"`
}

// SignatureTimestamp renders the gateway's YYYYMMDDHHMMSS timestamp in local
// wall-clock time. The gateway rejects any other rendering.
func SignatureTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// SignaturePassword builds base64(shortcode || passkey || timestamp).
func SignaturePassword(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// GetAccessToken exchanges client credentials for a bearer token.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=gateway_client op=token status=%d msg=\"auth rejected\"", resp.StatusCode)
		return "", &GatewayError{Op: "auth", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", &GatewayError{Op: "auth", StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	return tokenResp.AccessToken, nil
}

// InitiateHold submits a push-payment request to the payer's handset. It does
// not touch persistence; the caller records the acknowledgement.
func (c *Client) InitiateHold(ctx context.Context, amount decimal.Decimal, payerAddress, reference, description string) (*HoldResponse, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := SignatureTimestamp(c.now())
	payload := HoldRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          SignaturePassword(c.cfg.ShortCode, c.cfg.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.StringFixed(2),
		PartyA:            payerAddress,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       payerAddress,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	bodyBytes, statusCode, err := c.doAuthorizedPost(ctx, "/mpesa/stkpush/v1/processrequest", token, payload)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		log.Printf("level=warn component=gateway_client op=hold status=%d body=%q", statusCode, string(bodyBytes))
		return nil, &GatewayError{Op: "hold", StatusCode: statusCode, Body: string(bodyBytes)}
	}

	var holdResp HoldResponse
	if err := json.Unmarshal(bodyBytes, &holdResp); err != nil {
		return nil, fmt.Errorf("failed to decode hold response: %w", err)
	}
	holdResp.Raw = json.RawMessage(bodyBytes)
	return &holdResp, nil
}

// InitiateSettlement triggers a business payout to the receiver. Missing
// settlement configuration fails fast with ErrSettlementConfig.
func (c *Client) InitiateSettlement(ctx context.Context, amount decimal.Decimal, receiverAddress, reference, remarks string) (*SettlementResponse, error) {
	if strings.TrimSpace(c.cfg.InitiatorName) == "" ||
		strings.TrimSpace(c.cfg.SecurityCredential) == "" ||
		strings.TrimSpace(c.cfg.ResultURL) == "" ||
		strings.TrimSpace(c.cfg.TimeoutURL) == "" {
		return nil, ErrSettlementConfig
	}

	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := SettlementRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             amount.StringFixed(2),
		PartyA:             c.cfg.ShortCode,
		PartyB:             receiverAddress,
		Remarks:            remarks,
		QueueTimeOutURL:    c.cfg.TimeoutURL,
		ResultURL:          c.cfg.ResultURL,
		Occasion:           reference,
	}

	bodyBytes, statusCode, err := c.doAuthorizedPost(ctx, "/mpesa/b2c/v1/paymentrequest", token, payload)
	if err != nil {
		return nil, err
	}
	if statusCode < 200 || statusCode >= 300 {
		log.Printf("level=warn component=gateway_client op=settlement status=%d body=%q", statusCode, string(bodyBytes))
		return nil, &GatewayError{Op: "settlement", StatusCode: statusCode, Body: string(bodyBytes)}
	}

	var settlementResp SettlementResponse
	if err := json.Unmarshal(bodyBytes, &settlementResp); err != nil {
		return nil, fmt.Errorf("failed to decode settlement response: %w", err)
	}
	settlementResp.Raw = json.RawMessage(bodyBytes)
	return &settlementResp, nil
}

// doAuthorizedPost executes a bearer-authorized JSON POST and returns the raw
// body and status code.
func (c *Client) doAuthorizedPost(ctx context.Context, path, token string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return bodyBytes, resp.StatusCode, nil
}
