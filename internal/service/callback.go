package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// STKCallback is the stkCallback object Daraja posts to the callback URL.
type STKCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        ResultCode `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// String returns the value unquoted when it is a JSON string and as its
// literal text otherwise.
func (m MetadataItem) String() string {
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m.Value))
}

// ResultCode accepts 0, 0.0 and "0" alike. Unreadable codes count as failures.
type ResultCode struct {
	Code float64
	Set  bool
}

func (r *ResultCode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		n = -1
	}
	r.Code, r.Set = n, true
	return nil
}

// OK reports whether the provider confirmed the payment.
func (r ResultCode) OK() bool { return r.Set && r.Code == 0 }

// ParseCallback extracts Body.stkCallback from a raw notification.
func ParseCallback(body []byte) (*STKCallback, error) {
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	var env struct {
		Body struct {
			STKCallback json.RawMessage `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, ErrInvalidCallback
	}
	raw := bytes.TrimSpace(env.Body.STKCallback)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil, ErrInvalidCallback
	}
	var cb STKCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, ErrInvalidCallback
	}
	return &cb, nil
}

// CallbackResult describes what a delivery did. Duplicate is set when the
// transaction was already terminal and nothing changed.
type CallbackResult struct {
	TransactionID uint64
	Status        model.Status
	Duplicate     bool
}

// HandleCallback applies a provider notification to its pending transaction.
// Redeliveries for a terminal transaction are accepted without effect.
func (s *PaymentService) HandleCallback(ctx context.Context, body []byte) (*CallbackResult, error) {
	cb, err := ParseCallback(body)
	if err != nil {
		s.log.Warnw("malformed callback", "err", err)
		return nil, err
	}
	s.log.Infow("callback received",
		"checkout_request_id", cb.CheckoutRequestID, "merchant_request_id", cb.MerchantRequestID,
		"result_code", cb.ResultCode.Code, "result_desc", cb.ResultDesc)

	// without a correlation id there is nothing to match; never fall through
	// to a lookup on the empty key
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		s.log.Warnw("callback without checkout request id", "merchant_request_id", cb.MerchantRequestID)
		return nil, ErrNotFound
	}

	var result CallbackResult
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.repo.GetByCheckoutIDForUpdate(ctx, tx, cb.CheckoutRequestID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		result.TransactionID = txn.ID
		if txn.Status.IsTerminal() {
			result.Status, result.Duplicate = txn.Status, true
			return nil
		}

		fin := s.finalization(cb, body)
		if err := s.repo.FinalizeTransaction(ctx, tx, txn.ID, fin); err != nil {
			if errors.Is(err, repo.ErrAlreadyFinalized) {
				result.Duplicate = true
				if cur, err := s.repo.GetTransactionForUpdate(ctx, tx, txn.ID); err == nil {
					result.Status = cur.Status
				}
				return nil
			}
			return err
		}
		applyFinalization(txn, fin)
		evt := model.EventPaymentFailed
		if fin.Status == model.StatusSuccessful {
			evt = model.EventPaymentSucceeded
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, newEvent(txn, evt)); err != nil {
			return err
		}
		result.Status = fin.Status
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		s.log.Warnw("callback for unknown transaction", "checkout_request_id", cb.CheckoutRequestID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply callback: %w", err)
	}
	if result.Duplicate {
		s.log.Infow("duplicate callback ignored", "transaction_id", result.TransactionID, "status", result.Status)
	} else {
		s.log.Infow("transaction updated", "transaction_id", result.TransactionID, "status", result.Status)
	}
	return &result, nil
}

func (s *PaymentService) finalization(cb *STKCallback, body []byte) repo.Finalization {
	fin := repo.Finalization{Status: model.StatusFailed, RawResponse: datatypes.JSON(body)}
	if !cb.ResultCode.OK() {
		return fin
	}
	fin.Status = model.StatusSuccessful
	if cb.CallbackMetadata == nil {
		return fin
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if v := item.String(); v != "" {
				fin.ReceiptNumber = &v
			}
		case "TransactionDate":
			t, err := time.Parse(darajaDateLayout, item.String())
			if err != nil {
				s.log.Warnw("unparseable transaction date", "value", item.String(), "err", err)
				continue
			}
			fin.TransactionDate = &t
		case "Amount", "PhoneNumber":
			s.log.Debugw("callback metadata", "name", item.Name, "value", item.String())
		}
	}
	return fin
}
