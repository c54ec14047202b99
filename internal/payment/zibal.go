package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// resultSuccess is the gateway's "ok" result code for both request and verify.
	resultSuccess         = 100
	// resultAlreadyVerified is returned when verify is repeated for a settled payment.
	resultAlreadyVerified = 201
)

// ZibalClient talks to a Zibal-compatible gateway over its v1 JSON API.
type ZibalClient struct {
	BaseURL     string
	Merchant    string
	CallbackURL string
	HTTP        *http.Client
}

func NewZibalClient(baseURL, merchant, callbackURL string, timeout time.Duration) *ZibalClient {
	return &ZibalClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Merchant:    merchant,
		CallbackURL: callbackURL,
		HTTP:        &http.Client{Timeout: timeout},
	}
}

type zibalRequest struct {
	Merchant    string `json:"merchant"`
	Amount      int64  `json:"amount"`
	CallbackURL string `json:"callbackUrl"`
	OrderID     string `json:"orderId"`
	Mobile      string `json:"mobile,omitempty"`
	Description string `json:"description,omitempty"`
}

type zibalRequestResp struct {
	TrackID int64  `json:"trackId"`
	Result  int    `json:"result"`
	Message string `json:"message"`
}

type zibalVerify struct {
	Merchant string `json:"merchant"`
	TrackID  int64  `json:"trackId"`
}

type zibalVerifyResp struct {
	Result    int    `json:"result"`
	Message   string `json:"message"`
	Amount    int64  `json:"amount"`
	RefNumber int64  `json:"refNumber"`
	Status    int    `json:"status"`
	OrderID   string `json:"orderId"`
}

// Request registers a payment and returns the gateway track id.
func (c *ZibalClient) Request(ctx context.Context, req Request) (string, error) {
	body := zibalRequest{
		Merchant:    c.Merchant,
		Amount:      req.Amount,
		CallbackURL: c.CallbackURL,
		OrderID:     req.OrderID,
		Mobile:      req.Mobile,
		Description: req.Description,
	}
	var resp zibalRequestResp
	if err := c.postJSON(ctx, "/v1/request", body, &resp); err != nil {
		return "", gatewayError("", err)
	}
	if resp.Result != resultSuccess {
		return "", gatewayError(resp.Message, fmt.Errorf("request result %d", resp.Result))
	}
	return strconv.FormatInt(resp.TrackID, 10), nil
}

// StartURL is where the payer is sent to pay for trackID.
func (c *ZibalClient) StartURL(trackID string) string {
	return c.BaseURL + "/start/" + trackID
}

// Verify confirms the payment behind trackID. A repeated verify of a settled payment
// counts as OK. A non-success result is reported in VerifyResult.OK, not as an error;
// errors mean the gateway could not be asked.
func (c *ZibalClient) Verify(ctx context.Context, trackID string) (VerifyResult, error) {
	id, err := strconv.ParseInt(trackID, 10, 64)
	if err != nil {
		return VerifyResult{Message: "malformed track id"}, nil
	}
	var resp zibalVerifyResp
	if err := c.postJSON(ctx, "/v1/verify", zibalVerify{Merchant: c.Merchant, TrackID: id}, &resp); err != nil {
		return VerifyResult{}, gatewayError("", err)
	}
	return VerifyResult{
		OK:        resp.Result == resultSuccess || resp.Result == resultAlreadyVerified,
		Amount:    resp.Amount,
		RefNumber: strconv.FormatInt(resp.RefNumber, 10),
		OrderID:   resp.OrderID,
		Message:   resp.Message,
	}, nil
}

func (c *ZibalClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
