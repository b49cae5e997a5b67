package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tally/errs"
	"github.com/coachpo/tally/internal/schema"
)

const (
	ordersPath = "/v1/orders"
	ratesPath  = "/v1/margin/rates"
)

// gatewayError is the failure envelope the endpoint returns on non-200
// responses. Codes mirror the errs short names.
type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlaceOrder implements exchange.Api. The request body is the order request
// itself; the endpoint translates it to venue parameters.
func (g *Gateway) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderSubmission, error) {
	const op = "gateway.place-order"
	body, err := json.Marshal(req)
	if err != nil {
		return schema.OrderSubmission{}, errs.New(op, errs.CodeInternal,
			errs.WithMessage("encode order request"), errs.WithOrder(req.OrderID), errs.WithCause(err))
	}
	var sub schema.OrderSubmission
	if err := g.doJSON(ctx, op, http.MethodPost, ordersPath, nil, body, &sub,
		errs.WithOrder(req.OrderID), errs.WithPair(string(req.Pair))); err != nil {
		return schema.OrderSubmission{}, err
	}
	return sub, nil
}

// CancelOrder implements exchange.Api, addressing the order by client id.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string, pair schema.Pair) error {
	const op = "gateway.cancel-order"
	query := url.Values{}
	query.Set("pair", string(pair))
	path := ordersPath + "/" + url.PathEscape(orderID)
	return g.doJSON(ctx, op, http.MethodDelete, path, query, nil, nil,
		errs.WithOrder(orderID), errs.WithPair(string(pair)))
}

// GetOrder implements exchange.Api, fetching the venue's current view of an
// order by client id.
func (g *Gateway) GetOrder(ctx context.Context, orderID string, pair schema.Pair, asset schema.AssetType) (schema.OrderSubmission, error) {
	const op = "gateway.get-order"
	query := url.Values{}
	query.Set("pair", string(pair))
	query.Set("asset", string(asset))
	path := ordersPath + "/" + url.PathEscape(orderID)
	var sub schema.OrderSubmission
	if err := g.doJSON(ctx, op, http.MethodGet, path, query, nil, &sub,
		errs.WithOrder(orderID), errs.WithPair(string(pair))); err != nil {
		return schema.OrderSubmission{}, err
	}
	return sub, nil
}

// InterestRate implements exchange.Api, quoting the current borrow rate for
// one margin asset.
func (g *Gateway) InterestRate(ctx context.Context, asset string) (schema.InterestRate, error) {
	const op = "gateway.interest-rate"
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	path := ratesPath + "/" + url.PathEscape(normalized)
	var rate schema.InterestRate
	if err := g.doJSON(ctx, op, http.MethodGet, path, nil, nil, &rate); err != nil {
		return schema.InterestRate{}, err
	}
	if rate.Asset == "" {
		rate.Asset = normalized
	}
	return rate, nil
}

func (g *Gateway) doJSON(ctx context.Context, op, method, path string, query url.Values, body []byte, out any, eopts ...errs.Option) error {
	endpoint := g.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		opts := append([]errs.Option{errs.WithMessage("build request"), errs.WithCause(err)}, eopts...)
		return errs.New(op, errs.CodeInternal, opts...)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpc.Do(req)
	if err != nil {
		opts := append([]errs.Option{errs.WithVenue(g.name.String()), errs.WithCause(err)}, eopts...)
		return errs.New(op, errs.CodeExchange, opts...)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return g.remoteError(op, resp, eopts...)
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		opts := append([]errs.Option{
			errs.WithMessage("decode response"),
			errs.WithVenue(g.name.String()),
			errs.WithCause(err),
		}, eopts...)
		return errs.New(op, errs.CodeExchange, opts...)
	}
	return nil
}

// remoteError maps a non-200 response onto a typed error. Price refusals
// and parameter rejections keep their codes so the order manager records
// the right rejection reason; everything else is an exchange failure.
func (g *Gateway) remoteError(op string, resp *http.Response, eopts ...errs.Option) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var remote gatewayError
	_ = json.Unmarshal(body, &remote)

	message := strings.TrimSpace(remote.Message)
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = fmt.Sprintf("venue status %d", resp.StatusCode)
	} else {
		message = fmt.Sprintf("venue status %d: %s", resp.StatusCode, message)
	}

	code := errs.CodeExchange
	switch {
	case remote.Code == string(errs.CodeInvalidPrice):
		code = errs.CodeInvalidPrice
	case resp.StatusCode == http.StatusTooManyRequests:
		code = errs.CodeRateLimited
	case remote.Code == string(errs.CodeBadRequest),
		resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnprocessableEntity:
		code = errs.CodeBadRequest
	}

	opts := append([]errs.Option{errs.WithMessage(message), errs.WithVenue(g.name.String())}, eopts...)
	return errs.New(op, code, opts...)
}
