package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon"

	"craftnexus/internal/amount"
	"craftnexus/internal/failure"
)

// HorizonClient implements Client against a Horizon server.
type HorizonClient struct {
	url  string
	http *http.Client
}

type HorizonClientConfig struct {
	URL string
	// RequestTimeout bounds every HTTP round trip for callers whose context
	// has no deadline.
	RequestTimeout time.Duration
}

func NewHorizonClient(cfg HorizonClientConfig) (*HorizonClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("horizon url is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HorizonClient{
		url:  strings.TrimRight(cfg.URL, "/") + "/",
		http: &http.Client{Timeout: timeout},
	}, nil
}

// contextDoer binds every request horizonclient issues to one call's ctx.
// horizonclient has no context parameters, so this is how cancellation
// reaches the transport instead of leaving the request in flight.
type contextDoer struct {
	ctx  context.Context
	http *http.Client
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.http.Do(req.WithContext(d.ctx))
}

func (d contextDoer) Get(rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return d.http.Do(req)
}

func (d contextDoer) PostForm(rawURL string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.http.Do(req)
}

// client returns a horizonclient scoped to ctx.
func (h *HorizonClient) client(ctx context.Context) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: h.url,
		HTTP:       contextDoer{ctx: ctx, http: h.http},
	}
}

func (h *HorizonClient) LoadAccount(ctx context.Context, address string) (Account, error) {
	acc, err := h.client(ctx).AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return Account{}, failure.Wrap(failure.CodeAccountNotFound, err, "account %s does not exist", address)
		}
		return Account{}, failure.Wrap(failure.CodeLedgerUnavailable, err, "load account %s", address)
	}
	return convertAccount(acc)
}

func convertAccount(acc horizon.Account) (Account, error) {
	seq, err := acc.GetSequenceNumber()
	if err != nil {
		return Account{}, fmt.Errorf("account sequence: %w", err)
	}
	out := Account{Address: acc.AccountID, Sequence: seq}
	for _, b := range acc.Balances {
		var asset Asset
		switch b.Type {
		case "native":
			asset = Native()
		case "credit_alphanum4", "credit_alphanum12":
			asset = Asset{Code: b.Code, Issuer: b.Issuer}
		default:
			continue
		}
		amt, err := amount.Parse(b.Balance)
		if err != nil {
			return Account{}, fmt.Errorf("balance %s: %w", asset, err)
		}
		out.Balances = append(out.Balances, Balance{Asset: asset, Amount: amt})
	}
	return out, nil
}

func (h *HorizonClient) Submit(ctx context.Context, tx SignedTransaction) (string, error) {
	resp, err := h.client(ctx).SubmitTransactionXDR(tx.EnvelopeXDR)
	if err != nil {
		return "", classifySubmitError(ctx, tx.Hash, err)
	}
	if resp.Hash != "" {
		return resp.Hash, nil
	}
	return tx.Hash, nil
}

func classifySubmitError(ctx context.Context, hash string, err error) error {
	if herr := horizonclient.GetError(err); herr != nil {
		// Horizon answers 504 when the network did not include the tx in time.
		if herr.Problem.Status == http.StatusGatewayTimeout {
			return failure.Wrap(failure.CodeSubmitTimeout, err, "horizon timed out waiting for transaction %s", hash)
		}
		return failure.Rejected(failure.CodeSubmissionRejected, rejectionReason(herr), err)
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isNetTimeout(err) {
		return failure.Wrap(failure.CodeSubmitTimeout, err, "no result for transaction %s within the submission window", hash)
	}
	return failure.Wrap(failure.CodeLedgerUnavailable, err, "submit transaction %s", hash)
}

// rejectionReason flattens Horizon result codes, e.g. "tx_failed: op_underfunded".
func rejectionReason(herr *horizonclient.Error) string {
	codes, err := herr.ResultCodes()
	if err != nil || codes == nil {
		if herr.Problem.Title != "" {
			return herr.Problem.Title
		}
		return fmt.Sprintf("http %d", herr.Problem.Status)
	}
	reason := codes.TransactionCode
	if len(codes.OperationCodes) > 0 {
		reason += ": " + strings.Join(codes.OperationCodes, ",")
	}
	return reason
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (h *HorizonClient) GetTransaction(ctx context.Context, hash string) (TransactionRecord, error) {
	tx, err := h.client(ctx).TransactionDetail(hash)
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return TransactionRecord{}, failure.Wrap(failure.CodeTransactionNotFound, err, "transaction %s not found", hash)
		}
		return TransactionRecord{}, failure.Wrap(failure.CodeLedgerUnavailable, err, "get transaction %s", hash)
	}
	return TransactionRecord{
		Hash:           tx.Hash,
		Ledger:         tx.Ledger,
		CreatedAt:      tx.LedgerCloseTime,
		SourceAccount:  tx.Account,
		Successful:     tx.Successful,
		OperationCount: tx.OperationCount,
		FeeCharged:     tx.FeeCharged,
		MemoType:       tx.MemoType,
		Memo:           tx.Memo,
		EnvelopeXDR:    tx.EnvelopeXdr,
		ResultXDR:      tx.ResultXdr,
	}, nil
}

// Ping checks Horizon reachability for the health endpoint.
func (h *HorizonClient) Ping(ctx context.Context) error {
	_, err := h.client(ctx).Root()
	return err
}
