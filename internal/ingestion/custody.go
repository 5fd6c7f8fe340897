package ingestion

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultCustodySubject = "candle.custody.withdraw"

var ErrCustodyRefused = errors.New("custody refused transfer")

type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSCustodian forwards withdrawals to the custody service over NATS
// request/reply. A transfer succeeds only on an ok reply for the same
// withdrawal ID.
type NATSCustodian struct {
	nc      requester
	subject string
	timeout time.Duration
	metrics *observability.Metrics
}

func NewNATSCustodian(nc requester, subject string, timeout time.Duration, metrics *observability.Metrics) *NATSCustodian {
	if subject == "" {
		subject = DefaultCustodySubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSCustodian{nc: nc, subject: subject, timeout: timeout, metrics: metrics}
}

var _ core.Custodian = (*NATSCustodian)(nil)

func (c *NATSCustodian) Transfer(ctx context.Context, req core.TransferRequest) error {
	err := c.transfer(ctx, req)
	if c.metrics != nil {
		status := "ok"
		switch {
		case errors.Is(err, ErrCustodyRefused):
			status = "refused"
		case err != nil:
			status = "error"
		}
		c.metrics.CustodyRequests.WithLabelValues(status).Inc()
	}
	return err
}

func (c *NATSCustodian) transfer(ctx context.Context, req core.TransferRequest) error {
	data, err := EncodeCustodyRequest(req)
	if err != nil {
		return fmt.Errorf("encode custody request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return fmt.Errorf("custody request %s: %w", req.WithdrawalID, err)
	}

	reply, err := ParseCustodyReply(msg.Data)
	if err != nil {
		return err
	}
	if reply.WithdrawalID != req.WithdrawalID {
		return fmt.Errorf("custody reply for %s, expected %s", reply.WithdrawalID, req.WithdrawalID)
	}
	if !reply.OK {
		return fmt.Errorf("%w: %s", ErrCustodyRefused, reply.Error)
	}
	return nil
}
