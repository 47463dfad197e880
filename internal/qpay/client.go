// Package qpay предоставляет клиент платёжного шлюза QPay.
package qpay

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
)

// Gateway описывает контракт платёжного шлюза, используемый бизнес-логикой.
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	CheckPayment(ctx context.Context, invoiceID string) (*PaymentCheck, error)
}

// Client инкапсулирует HTTP-взаимодействие с QPay.
type Client struct {
	baseURL     string
	username    string
	password    string
	invoiceCode string
	httpClient  *http.Client
}

// InvoiceRequest содержит параметры создаваемого счёта.
type InvoiceRequest struct {
	SenderInvoiceNo string
	Description     string
	Amount          int64
	CallbackURL     string
}

// Invoice описывает созданный счёт и платёжные реквизиты для клиента.
type Invoice struct {
	InvoiceID string          `json:"invoice_id"`
	QRText    string          `json:"qr_text"`
	QRImage   string          `json:"qr_image"`
	ShortURL  string          `json:"qPay_shortUrl"`
	URLs      json.RawMessage `json:"urls"`
}

// PaymentCheck описывает ответ шлюза о фактически оплаченной сумме по счёту.
type PaymentCheck struct {
	Count      int     `json:"count"`
	PaidAmount float64 `json:"paid_amount"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// NewClient создаёт HTTP-клиент QPay с учётными данными продавца.
func NewClient(baseURL, username, password, invoiceCode string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		username:    username,
		password:    password,
		invoiceCode: invoiceCode,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// getAccessToken выполняет client-credential обмен и возвращает bearer-токен.
// Токен не кэшируется: шлюз выдаёт его на каждый запрос.
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("qpay token: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("qpay token: empty access_token")
	}

	return token.AccessToken, nil
}

// CreateInvoice создаёт счёт QPay с callback-адресом, кодирующим идентификатор заказа.
func (c *Client) CreateInvoice(ctx context.Context, invReq InvoiceRequest) (*Invoice, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"invoice_code":          c.invoiceCode,
		"sender_invoice_no":     invReq.SenderInvoiceNo,
		"invoice_receiver_code": "terminal",
		"invoice_description":   invReq.Description,
		"sender_branch_code":    "Credits",
		"amount":                strconv.FormatInt(invReq.Amount, 10),
		"callback_url":          invReq.CallbackURL,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoice", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("qpay invoice: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var invoice Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, fmt.Errorf("decode invoice response: %w", err)
	}
	if invoice.InvoiceID == "" {
		return nil, fmt.Errorf("qpay invoice: empty invoice_id")
	}

	return &invoice, nil
}

// CheckPayment запрашивает у шлюза фактически оплаченную сумму по счёту.
func (c *Client) CheckPayment(ctx context.Context, invoiceID string) (*PaymentCheck, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"object_type": "INVOICE",
		"object_id":   invoiceID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payment/check", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("qpay payment check: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var check PaymentCheck
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return nil, fmt.Errorf("decode check response: %w", err)
	}

	return &check, nil
}
