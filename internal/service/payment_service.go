package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/mpesa-service/internal/daraja"
	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/richardliu001/mpesa-service/internal/normalize"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultDescription  = "Payment"
	simulatedResultDesc = "The service request is processed successfully."
	darajaDateLayout    = "20060102150405"

	msgMissingCheckoutID = "Provider response has no checkout request id"
)

// Provider sends the push prompt. The response shape is not fixed; it is
// handed to the normalizer as-is.
type Provider interface {
	STKPush(ctx context.Context, req daraja.STKPushRequest) (any, error)
}

// PaymentService glues the payment lifecycle and the repository.
type PaymentService struct {
	repo     repo.RepositoryInterface
	provider Provider
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewPaymentService returns PaymentService.
func NewPaymentService(r repo.RepositoryInterface, p Provider, logger *zap.SugaredLogger) *PaymentService {
	return &PaymentService{repo: r, provider: p, log: logger, now: time.Now}
}

// Repo exposes repository (tests).
func (s *PaymentService) Repo() repo.RepositoryInterface { return s.repo }

type InitiateRequest struct {
	PhoneNumber string
	Amount      int64
	Reference   string
	Description string
	CallbackURL string
}

type InitiateResult struct {
	TransactionID       uint64
	CheckoutRequestID   string
	ResponseDescription string
}

type outcomeKind int

const (
	outcomeAccepted outcomeKind = iota
	outcomeRejected
	outcomeTransportError
)

// pushOutcome is the provider call folded into one of three results.
type pushOutcome struct {
	kind   outcomeKind
	result normalize.Result
	err    error
}

func (s *PaymentService) push(ctx context.Context, req daraja.STKPushRequest) pushOutcome {
	resp, err := s.provider.STKPush(ctx, req)
	if err != nil {
		return pushOutcome{kind: outcomeTransportError, err: err}
	}
	res := normalize.Normalize(resp)
	if !res.Success {
		return pushOutcome{kind: outcomeRejected, result: res}
	}
	// the checkout id is the only key a callback can be matched on
	if strings.TrimSpace(res.CheckoutRequestID) == "" {
		if res.ErrorMessage == "" {
			res.ErrorMessage = msgMissingCheckoutID
		}
		return pushOutcome{kind: outcomeRejected, result: res}
	}
	return pushOutcome{kind: outcomeAccepted, result: res}
}

// Initiate sends the STK push and records the pending transaction.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.PhoneNumber == "" || req.Reference == "" || req.Amount <= 0 {
		return nil, ErrValidation
	}
	phone := FormatPhoneNumber(req.PhoneNumber)
	desc := req.Description
	if desc == "" {
		desc = defaultDescription
	}
	s.log.Infow("initiating stk push",
		"phone", phone, "amount", req.Amount, "reference", req.Reference, "callback_url", req.CallbackURL)

	out := s.push(ctx, daraja.STKPushRequest{
		PhoneNumber:      phone,
		Amount:           req.Amount,
		AccountReference: req.Reference,
		TransactionDesc:  desc,
		CallBackURL:      req.CallbackURL,
	})
	switch out.kind {
	case outcomeTransportError:
		s.log.Errorw("stk push failed", "reference", req.Reference, "err", out.err)
		return nil, &ProviderError{Err: out.err}
	case outcomeRejected:
		s.log.Warnw("stk push rejected", "reference", req.Reference,
			"response_code", out.result.ResponseCode, "error_message", out.result.ErrorMessage)
		return nil, &ProviderError{ResponseCode: out.result.ResponseCode, Message: out.result.ErrorMessage}
	}

	res := out.result
	raw, _ := json.Marshal(map[string]interface{}{
		"response_code":        nullable(res.ResponseCode),
		"response_description": nullable(res.ResponseDescription),
		"customer_message":     nullable(res.CustomerMessage),
		"merchant_request_id":  nullable(res.MerchantRequestID),
		"checkout_request_id":  nullable(res.CheckoutRequestID),
	})
	txn := &model.Transaction{
		PhoneNumber:       phone,
		Amount:            decimal.NewFromInt(req.Amount),
		Reference:         req.Reference,
		Description:       desc,
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		Status:            model.StatusPending,
		RawResponse:       datatypes.JSON(raw),
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return s.repo.CreateOutboxEvent(ctx, tx, newEvent(txn, model.EventPaymentInitiated))
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	s.log.Infow("transaction created", "transaction_id", txn.ID, "checkout_request_id", txn.CheckoutRequestID)
	return &InitiateResult{
		TransactionID:       txn.ID,
		CheckoutRequestID:   txn.CheckoutRequestID,
		ResponseDescription: res.ResponseDescription,
	}, nil
}

// GetStatus reads a transaction. Terminal rows are served from and written
// to the cache; pending rows always come from the database.
func (s *PaymentService) GetStatus(ctx context.Context, id uint64) (*model.Transaction, error) {
	cached, err := s.repo.GetCachedTransaction(ctx, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.Nil) && !errors.Is(err, repo.ErrCacheDisabled) {
		s.log.Warnw("cache read failed", "transaction_id", id, "err", err)
	}

	txn, err := s.repo.GetTransaction(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		if err := s.repo.CacheTransaction(ctx, txn); err != nil {
			s.log.Warn(err)
		}
	}
	return txn, nil
}

// List returns transactions newest first.
func (s *PaymentService) List(ctx context.Context, f repo.ListFilter) ([]model.Transaction, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return s.repo.ListTransactions(ctx, f)
}

// SimulateSuccess completes a pending transaction as if the provider had
// confirmed it, storing a callback envelope shaped like a real one.
func (s *PaymentService) SimulateSuccess(ctx context.Context, id uint64) (*model.Transaction, error) {
	var out *model.Transaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.now().UTC().Truncate(time.Second)
		receipt := fmt.Sprintf("SIM%d", now.Unix())
		raw, err := json.Marshal(simulatedCallback(txn, receipt, now))
		if err != nil {
			return err
		}
		fin := repo.Finalization{
			Status:          model.StatusSuccessful,
			ReceiptNumber:   &receipt,
			TransactionDate: &now,
			RawResponse:     datatypes.JSON(raw),
		}
		if err := s.repo.FinalizeTransaction(ctx, tx, txn.ID, fin); err != nil {
			return err
		}
		applyFinalization(txn, fin)
		if err := s.repo.CreateOutboxEvent(ctx, tx, newEvent(txn, model.EventPaymentSucceeded)); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("payment simulated", "transaction_id", out.ID, "receipt", *out.MpesaReceiptNumber)
	return out, nil
}

func simulatedCallback(t *model.Transaction, receipt string, at time.Time) map[string]interface{} {
	date, _ := strconv.ParseInt(at.Format(darajaDateLayout), 10, 64)
	var phone interface{} = t.PhoneNumber
	if n, err := strconv.ParseInt(t.PhoneNumber, 10, 64); err == nil {
		phone = n
	}
	amount, _ := t.Amount.Float64()
	return map[string]interface{}{
		"Body": map[string]interface{}{
			"stkCallback": map[string]interface{}{
				"MerchantRequestID": t.MerchantRequestID,
				"CheckoutRequestID": t.CheckoutRequestID,
				"ResultCode":        0,
				"ResultDesc":        simulatedResultDesc,
				"CallbackMetadata": map[string]interface{}{
					"Item": []map[string]interface{}{
						{"Name": "Amount", "Value": amount},
						{"Name": "MpesaReceiptNumber", "Value": receipt},
						{"Name": "TransactionDate", "Value": date},
						{"Name": "PhoneNumber", "Value": phone},
					},
				},
			},
		},
	}
}

func applyFinalization(t *model.Transaction, fin repo.Finalization) {
	t.Status = fin.Status
	t.RawResponse = fin.RawResponse
	if fin.ReceiptNumber != nil {
		t.MpesaReceiptNumber = fin.ReceiptNumber
	}
	if fin.TransactionDate != nil {
		t.TransactionDate = fin.TransactionDate
	}
}

func newEvent(t *model.Transaction, eventType string) *model.OutboxEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"transaction_id":       t.ID,
		"checkout_request_id":  t.CheckoutRequestID,
		"status":               t.Status,
		"amount":               t.Amount,
		"phone_number":         t.PhoneNumber,
		"reference":            t.Reference,
		"mpesa_receipt_number": t.MpesaReceiptNumber,
	})
	return &model.OutboxEvent{
		Aggregate: "Transaction", AggregateID: t.ID, EventType: eventType, Payload: string(payload),
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
