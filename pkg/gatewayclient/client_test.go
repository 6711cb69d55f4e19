package gatewayclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSignatureTimestampFormat(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	if got := SignatureTimestamp(at); got != "20260314092653" {
		t.Fatalf("expected 20260314092653, got %q", got)
	}
}

func TestSignaturePassword(t *testing.T) {
	got := SignaturePassword("174379", "passkey", "20260314092653")
	want := base64.StdEncoding.EncodeToString([]byte("174379passkey20260314092653"))
	if got != want {
		t.Fatalf("password mismatch: got %q want %q", got, want)
	}
}

func TestGetAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "token-1", ExpiresIn: "3599"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret"})
	token, err := c.GetAccessToken(context.Background())
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	if token != "token-1" {
		t.Fatalf("expected token-1, got %q", token)
	}
}

func TestGetAccessToken_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorMessage":"invalid credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ConsumerKey: "bad", ConsumerSecret: "bad"})
	_, err := c.GetAccessToken(context.Background())

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *GatewayError, got %v", err)
	}
	if gwErr.Op != "auth" || gwErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected gateway error: %+v", gwErr)
	}
}

func TestInitiateHold(t *testing.T) {
	var captured HoldRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(TokenResponse{AccessToken: "token-1"})
		case "/mpesa/stkpush/v1/processrequest":
			if r.Header.Get("Authorization") != "Bearer token-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(HoldResponse{
				MerchantRequestID:   "mr-1",
				CheckoutRequestID:   "ws_CO_1",
				ResponseCode:        "0",
				ResponseDescription: "Success. Request accepted for processing",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		PassKey:        "passkey",
		CallbackURL:    "https://audit.example.com/webhooks/gateway",
	})
	c.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local) }

	resp, err := c.InitiateHold(context.Background(), decimal.RequireFromString("500"), "254700000001", "abc123", "sponsor slot hold")
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected checkout id %q", resp.CheckoutRequestID)
	}
	if len(resp.Raw) == 0 {
		t.Fatal("expected raw acknowledgement body to be retained")
	}

	if captured.Timestamp != "20260314092653" {
		t.Fatalf("unexpected timestamp %q", captured.Timestamp)
	}
	wantPassword := SignaturePassword("174379", "passkey", "20260314092653")
	if captured.Password != wantPassword {
		t.Fatalf("password mismatch: got %q want %q", captured.Password, wantPassword)
	}
	if captured.Amount != "500.00" {
		t.Fatalf("unexpected amount %q", captured.Amount)
	}
	if captured.TransactionType != "CustomerPayBillOnline" {
		t.Fatalf("unexpected transaction type %q", captured.TransactionType)
	}
	if captured.PartyA != "254700000001" || captured.PhoneNumber != "254700000001" {
		t.Fatalf("payer address not propagated: %+v", captured)
	}
}

func TestInitiateSettlement_FailsFastWithoutConfig(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", ShortCode: "174379"})
	_, err := c.InitiateSettlement(context.Background(), decimal.RequireFromString("500"), "254711111111", "abc123", "payout")
	if !errors.Is(err, ErrSettlementConfig) {
		t.Fatalf("expected ErrSettlementConfig, got %v", err)
	}
}

func TestInitiateSettlement(t *testing.T) {
	var captured SettlementRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(TokenResponse{AccessToken: "token-1"})
		case "/mpesa/b2c/v1/paymentrequest":
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(SettlementResponse{
				ConversationID: "conv-1",
				ResponseCode:   "0",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:            srv.URL,
		ConsumerKey:        "key",
		ConsumerSecret:     "secret",
		ShortCode:          "174379",
		InitiatorName:      "auditapi",
		SecurityCredential: "sealed-credential",
		ResultURL:          "https://audit.example.com/webhooks/settlement",
		TimeoutURL:         "https://audit.example.com/webhooks/settlement-timeout",
	})

	resp, err := c.InitiateSettlement(context.Background(), decimal.RequireFromString("500"), "254711111111", "abc123", "sponsor payout")
	if err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
	if resp.ConversationID != "conv-1" {
		t.Fatalf("unexpected conversation id %q", resp.ConversationID)
	}
	if captured.CommandID != "BusinessPayment" {
		t.Fatalf("unexpected command id %q", captured.CommandID)
	}
	if captured.PartyB != "254711111111" {
		t.Fatalf("receiver not propagated: %+v", captured)
	}
}
