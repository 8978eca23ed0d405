package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type OrderState string

const (
	OrderResting OrderState = "resting"
	OrderFilled  OrderState = "filled"
	OrderError   OrderState = "error"
)

// OrderStatus is one entry of the per-order statuses array.
type OrderStatus struct {
	State   OrderState
	OrderID string
	Cloid   string
	TotalSz string
	AvgPx   string
	Error   string
}

// Response is the decoded body of an /exchange call. Message carries the
// action-level error text when Status is not "ok".
type Response struct {
	Status   string
	Type     string
	Message  string
	Statuses []OrderStatus
}

type placedOrder struct {
	Oid     json.Number `json:"oid"`
	Cloid   string      `json:"cloid"`
	TotalSz string      `json:"totalSz"`
	AvgPx   string      `json:"avgPx"`
}

type wireStatus struct {
	Error   *string      `json:"error"`
	Resting *placedOrder `json:"resting"`
	Filled  *placedOrder `json:"filled"`
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var outer struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(b, &outer); err != nil {
		return err
	}
	*r = Response{Status: outer.Status}
	body := bytes.TrimSpace(outer.Response)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if body[0] == '"' {
		return json.Unmarshal(body, &r.Message)
	}
	var inner struct {
		Type string `json:"type"`
		Data struct {
			Statuses []json.RawMessage `json:"statuses"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &inner); err != nil {
		return fmt.Errorf("decode exchange response: %w", err)
	}
	r.Type = inner.Type
	r.Statuses = make([]OrderStatus, 0, len(inner.Data.Statuses))
	for _, raw := range inner.Data.Statuses {
		r.Statuses = append(r.Statuses, decodeStatus(raw))
	}
	return nil
}

func decodeStatus(raw json.RawMessage) OrderStatus {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return OrderStatus{State: OrderState(plain)}
	}
	var ws wireStatus
	if err := json.Unmarshal(raw, &ws); err != nil {
		return OrderStatus{State: OrderError, Error: "unrecognized order status"}
	}
	switch {
	case ws.Error != nil:
		return OrderStatus{State: OrderError, Error: *ws.Error}
	case ws.Filled != nil:
		return ws.Filled.status(OrderFilled)
	case ws.Resting != nil:
		return ws.Resting.status(OrderResting)
	}
	return OrderStatus{State: OrderError, Error: "unrecognized order status"}
}

func (p placedOrder) status(state OrderState) OrderStatus {
	return OrderStatus{
		State:   state,
		OrderID: p.Oid.String(),
		Cloid:   p.Cloid,
		TotalSz: p.TotalSz,
		AvgPx:   p.AvgPx,
	}
}

// ResponseError returns the action-level error, if any. Per-order rejections
// are reported through Statuses instead.
func ResponseError(resp *Response) error {
	if resp == nil {
		return errors.New("empty exchange response")
	}
	if resp.Status == "ok" {
		return nil
	}
	if resp.Message != "" {
		return fmt.Errorf("exchange error: %s", resp.Message)
	}
	return fmt.Errorf("exchange error: status %q", resp.Status)
}
