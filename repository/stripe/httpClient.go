package striperepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"marketpay/util/httpx"
)

const apiBase = "https://api.stripe.com"

type httpRepo struct {
	apiKey string
	base   string
	client *http.Client
}

func NewHTTP(apiKey string) Repo {
	return &httpRepo{apiKey: apiKey, base: apiBase, client: httpx.Client()}
}

// NewHTTPWithBase points the client at a different host. Used by tests.
func NewHTTPWithBase(apiKey, base string, c *http.Client) Repo {
	return &httpRepo{apiKey: apiKey, base: base, client: c}
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *httpRepo) ResolveCharge(ctx context.Context, paymentRef string) (string, error) {
	var out struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		LatestCharge string `json:"latest_charge"`
	}
	if err := r.get(ctx, "/v1/payment_intents/"+url.PathEscape(paymentRef), nil, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "succeeded":
	case "processing":
		// funds not settled yet; worth retrying on a later sweep
		return "", &TransientError{Err: fmt.Errorf("payment %s still processing", paymentRef)}
	default:
		return "", &PermanentError{Err: fmt.Errorf("payment %s not settled (status %s)", paymentRef, out.Status)}
	}
	if out.LatestCharge == "" {
		return "", &PermanentError{Err: fmt.Errorf("payment %s has no charge", paymentRef)}
	}
	return out.LatestCharge, nil
}

func (r *httpRepo) GetExistingTransfer(ctx context.Context, chargeRef string) (string, error) {
	var out struct {
		ID       string          `json:"id"`
		Transfer json.RawMessage `json:"transfer"`
	}
	q := url.Values{"expand[]": {"transfer"}}
	if err := r.get(ctx, "/v1/charges/"+url.PathEscape(chargeRef), q, &out); err != nil {
		return "", err
	}
	return transferID(out.Transfer)
}

// transferID accepts the expanded object form and the plain id form; the
// expansion is best effort on the processor side.
func transferID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("unreadable transfer field: %s", raw)}
	}
	return obj.ID, nil
}

func (r *httpRepo) CreateTransfer(ctx context.Context, req CreateTransferReq) (string, error) {
	form := url.Values{
		"amount":             {strconv.FormatInt(req.AmountMinor, 10)},
		"currency":           {strings.ToLower(req.Currency)},
		"destination":        {req.Destination},
		"source_transaction": {req.ChargeReference},
	}
	var out struct {
		ID string `json:"id"`
	}
	// A stable key per charge makes a timed-out-but-created attempt return
	// the original transfer instead of erroring on the next sweep.
	idem := "transfer:" + req.ChargeReference
	if err := r.post(ctx, "/v1/transfers", form, idem, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &TransientError{Err: errors.New("empty transfer id in response")}
	}
	return out.ID, nil
}

func (r *httpRepo) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var out struct {
		ID             string `json:"id"`
		PayoutsEnabled bool   `json:"payouts_enabled"`
	}
	if err := r.get(ctx, "/v1/accounts/"+url.PathEscape(accountID), nil, &out); err != nil {
		return nil, err
	}
	return &Account{ID: out.ID, PayoutsEnabled: out.PayoutsEnabled}, nil
}

func (r *httpRepo) get(ctx context.Context, path string, q url.Values, out any) error {
	u := r.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return r.do(req, out)
}

func (r *httpRepo) post(ctx context.Context, path string, form url.Values, idemKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return r.do(req, out)
}

func (r *httpRepo) do(req *http.Request, out any) error {
	req.SetBasicAuth(r.apiKey, "")

	resp, err := r.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.Unmarshal(body, out)
	}
	return classify(resp.StatusCode, body)
}

func classify(status int, body []byte) error {
	var wrapper struct {
		Error apiError `json:"error"`
	}
	_ = json.Unmarshal(body, &wrapper)
	apiErr := wrapper.Error

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Err: fmt.Errorf("processor returned %d: %s", status, apiErr.Message)}
	case alreadyTransferred(apiErr):
		return ErrTransferExists
	default:
		return &PermanentError{
			Code: apiErr.Code,
			Err:  fmt.Errorf("processor returned %d: %s", status, apiErr.Message),
		}
	}
}

// The processor has no dedicated error code for a duplicate transfer on a
// source transaction; it comes back as an invalid_request_error whose message
// says the charge has already been transferred.
func alreadyTransferred(e apiError) bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "already") && strings.Contains(msg, "transferred")
}
