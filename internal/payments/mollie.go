package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	mollieBaseURL  = "https://api.mollie.com/v2"
	requestTimeout = 10 * time.Second
)

// MollieClient talks to the Mollie v2 payments API.
type MollieClient struct {
	baseURL     string
	apiKey      string
	redirectURL string
	webhookURL  string
	httpc       *http.Client
	log         *zap.SugaredLogger
}

func NewMollieClient(apiKey, redirectURL, webhookURL string, logger *zap.SugaredLogger) *MollieClient {
	return &MollieClient{
		baseURL:     mollieBaseURL,
		apiKey:      apiKey,
		redirectURL: redirectURL,
		webhookURL:  webhookURL,
		httpc:       &http.Client{Timeout: requestTimeout},
		log:         logger,
	}
}

type mollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type molliePayment struct {
	Id       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   mollieAmount      `json:"amount"`
	Metadata map[string]string `json:"metadata"`
	Links    struct {
		Checkout struct {
			Href string `json:"href"`
		} `json:"checkout"`
	} `json:"_links"`
}

func (p molliePayment) toPayment() Payment {
	return Payment{
		Id:          p.Id,
		Status:      p.Status,
		CheckoutURL: p.Links.Checkout.Href,
		AmountEUR:   parseEuros(p.Amount.Value),
		Metadata:    p.Metadata,
	}
}

// parseEuros reads the whole-euro part of a Mollie decimal string such as
// "10.00". Cents are never produced by this service.
func parseEuros(value string) int {
	whole, _, _ := strings.Cut(value, ".")
	eur, err := strconv.Atoi(whole)
	if err != nil {
		return 0
	}
	return eur
}

func (c *MollieClient) CreatePayment(ctx context.Context, amountEUR int, description string, metadata map[string]string) (Payment, error) {
	body := map[string]interface{}{
		"amount": mollieAmount{
			Currency: "EUR",
			Value:    fmt.Sprintf("%d.00", amountEUR),
		},
		"description": description,
		"redirectUrl": c.redirectURL,
		"webhookUrl":  c.webhookURL,
		"metadata":    metadata,
	}

	var payment molliePayment
	if err := c.do(ctx, http.MethodPost, "/payments", body, &payment); err != nil {
		return Payment{}, err
	}

	return payment.toPayment(), nil
}

func (c *MollieClient) GetPayment(ctx context.Context, paymentId string) (Payment, error) {
	var payment molliePayment
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentId, nil, &payment); err != nil {
		return Payment{}, err
	}

	return payment.toPayment(), nil
}

func (c *MollieClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Errorw("mollie request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(raw),
		)
		return fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
