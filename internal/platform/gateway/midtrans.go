package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/shopspring/decimal"
)

const Midtrans = "midtrans"

var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type statusChecker interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// MidtransVerifier reads transaction status from the Midtrans core API.
type MidtransVerifier struct {
	client statusChecker
}

func NewMidtransVerifier(serverKey string, production bool) *MidtransVerifier {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	var c coreapi.Client
	c.New(serverKey, env)
	return &MidtransVerifier{client: &c}
}

func (v *MidtransVerifier) Verify(ctx context.Context, transactionID string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, merr := v.client.CheckTransaction(transactionID)
	if merr != nil {
		return nil, fmt.Errorf("%w: midtrans status %d: %s", ErrGatewayUnavailable, merr.StatusCode, merr.Message)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty midtrans response", ErrGatewayUnavailable)
	}

	out := &Outcome{
		TransactionID: resp.TransactionID,
		Status:        midtransStatus(resp.TransactionStatus, resp.FraudStatus),
		Raw:           resp.TransactionStatus,
	}
	if out.TransactionID == "" {
		out.TransactionID = transactionID
	}
	if resp.GrossAmount != "" {
		amt, err := decimal.NewFromString(resp.GrossAmount)
		if err != nil {
			return nil, fmt.Errorf("parse midtrans gross_amount %q: %w", resp.GrossAmount, err)
		}
		out.GrossAmount = decimal.NewNullDecimal(amt)
	}
	return out, nil
}

// midtransStatus maps Midtrans transaction_status values onto payment statuses.
func midtransStatus(status, fraud string) string {
	switch status {
	case "capture":
		if fraud == "challenge" {
			return StatusAuthorized
		}
		return StatusCaptured
	case "settlement":
		return StatusCaptured
	case "authorize":
		return StatusAuthorized
	case "pending":
		return StatusCreated
	case "refund", "partial_refund", "chargeback", "partial_chargeback":
		return StatusRefunded
	default:
		// deny, cancel, expire, failure
		return StatusFailed
	}
}
