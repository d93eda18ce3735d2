package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/nonce"
	"github.com/medtrail/medtrail/internal/signer"
)

const (
	defaultConfirmAttempts = 30
	defaultConfirmInterval = 2 * time.Second
)

// Pipeline turns a domain intent into a confirmed ledger transaction:
// sequence acquisition, fee query, signing, broadcast, confirmation.
type Pipeline struct {
	ledger          ledger.Client
	signer          *signer.Signer
	sequencer       *nonce.Sequencer
	logger          *slog.Logger
	confirmAttempts int
	confirmInterval time.Duration
}

type Config struct {
	ConfirmAttempts int
	ConfirmInterval time.Duration
}

func New(client ledger.Client, sgn *signer.Signer, seq *nonce.Sequencer, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = defaultConfirmAttempts
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaultConfirmInterval
	}
	return &Pipeline{
		ledger:          client,
		signer:          sgn,
		sequencer:       seq,
		logger:          logger,
		confirmAttempts: cfg.ConfirmAttempts,
		confirmInterval: cfg.ConfirmInterval,
	}
}

// Submit executes one write against the ledger and waits for its receipt.
//
// Error classification:
//   - *ledger.RevertError: rejected for a domain reason, nothing landed,
//     the sequence number was returned for reuse.
//   - *ledger.TransientError: infrastructure failure before broadcast,
//     sequence number returned, safe to retry.
//   - *ledger.IndeterminateError: the broadcast may have reached the
//     ledger but its outcome is unknown (send failed mid-flight, or
//     confirmation did not complete); the transaction may still land.
//     Callers must check the ledger before retrying.
func (p *Pipeline) Submit(ctx context.Context, call ledger.Call) (*ledger.Receipt, error) {
	identity := p.signer.Address()

	lease, err := p.sequencer.Acquire(ctx, identity)
	if err != nil {
		if ledger.IsTransient(err) || ledger.IsRevert(err) {
			return nil, err
		}
		return nil, &ledger.TransientError{Op: "acquire sequence", Err: err}
	}

	gasPrice, err := p.ledger.GasPrice(ctx)
	if err != nil {
		lease.Release()
		return nil, err
	}

	tx := &ledger.Transaction{
		From:         identity,
		Sequence:     lease.Sequence,
		GasPrice:     gasPrice,
		Call:         call,
		SubmissionID: uuid.NewString(),
	}

	signed, err := p.signer.SignTransaction(tx)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	txHash, err := p.ledger.SendTransaction(ctx, signed)
	if err != nil {
		if ambiguousSend(err) {
			// The request may have reached the node before the failure.
			// Reusing the number risks colliding with a landed
			// transaction, so the counter resyncs from the ledger.
			lease.Abandon()
			return nil, &ledger.IndeterminateError{Err: err}
		}
		// Nothing was committed: the number goes back to the next waiter.
		lease.Release()
		return nil, err
	}

	// The ledger accepted the broadcast, so the number is consumed there
	// regardless of how confirmation goes.
	lease.Confirm()

	p.logger.Info("transaction broadcast",
		"tx_hash", txHash,
		"sequence", tx.Sequence,
		"method", call.Method,
		"submission_id", tx.SubmissionID,
	)

	return p.awaitReceipt(ctx, txHash)
}

// ambiguousSend reports whether a broadcast failure could have happened
// after the request reached the node. A timeout or a dropped connection
// mid-flight leaves the transaction's fate unknown.
func ambiguousSend(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func (p *Pipeline) awaitReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	for attempt := 0; attempt < p.confirmAttempts; attempt++ {
		receipt, err := p.ledger.TransactionReceipt(ctx, txHash)
		if err != nil {
			// Transport trouble after broadcast is not a clean failure:
			// the transaction may confirm behind our back.
			if ctx.Err() != nil {
				return nil, &ledger.IndeterminateError{TxHash: txHash, Err: ctx.Err()}
			}
			p.logger.Warn("receipt poll failed", "tx_hash", txHash, "attempt", attempt+1, "error", err)
		} else if receipt != nil {
			if receipt.Reverted {
				return nil, &ledger.RevertError{Reason: receipt.Reason}
			}
			p.logger.Info("transaction confirmed",
				"tx_hash", receipt.TxHash,
				"block_number", receipt.BlockNumber,
			)
			return receipt, nil
		}

		select {
		case <-time.After(p.confirmInterval):
		case <-ctx.Done():
			return nil, &ledger.IndeterminateError{TxHash: txHash, Err: ctx.Err()}
		}
	}

	return nil, &ledger.IndeterminateError{
		TxHash: txHash,
		Err:    fmt.Errorf("no receipt after %d attempts", p.confirmAttempts),
	}
}
