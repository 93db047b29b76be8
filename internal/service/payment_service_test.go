package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/mpesa-service/internal/daraja"
	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/richardliu001/mpesa-service/internal/normalize"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"github.com/richardliu001/mpesa-service/internal/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type stubProvider struct {
	mu    sync.Mutex
	resp  any
	err   error
	calls []daraja.STKPushRequest
}

func (p *stubProvider) STKPush(_ context.Context, req daraja.STKPushRequest) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return p.resp, p.err
}

// cacheSpy records cache writes instead of talking to redis.
type cacheSpy struct {
	*repo.Repository
	cached []uint64
}

func (c *cacheSpy) CacheTransaction(_ context.Context, t *model.Transaction) error {
	c.cached = append(c.cached, t.ID)
	return nil
}

func accepted(checkoutID string) *daraja.STKPushResponse {
	return &daraja.STKPushResponse{
		MerchantRequestID:   "mr_" + checkoutID,
		CheckoutRequestID:   checkoutID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}
}

func newTestService(t *testing.T, p Provider) (*PaymentService, *cacheSpy, *gorm.DB) {
	db := testutil.NewDB(t)
	log := testutil.NewLogger(t)
	spy := &cacheSpy{Repository: repo.NewRepository(db, nil, &kafka.Writer{}, log, 0)}
	svc := NewPaymentService(spy, p, log)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return svc, spy, db
}

func initiate(t *testing.T, svc *PaymentService, checkoutID string) *InitiateResult {
	t.Helper()
	svc.provider.(*stubProvider).resp = accepted(checkoutID)
	res, err := svc.Initiate(context.Background(), InitiateRequest{
		PhoneNumber: "0712345678", Amount: 100, Reference: "INV-" + checkoutID,
		CallbackURL: "https://example.com/callback/",
	})
	require.NoError(t, err)
	return res
}

func callbackBody(checkoutID string, code any, items string) []byte {
	meta := ""
	if items != "" {
		meta = fmt.Sprintf(`,"CallbackMetadata":{"Item":[%s]}`, items)
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr_%s","CheckoutRequestID":"%s",`+
		`"ResultCode":%v,"ResultDesc":"desc"%s}}}`, checkoutID, checkoutID, code, meta))
}

const successItems = `{"Name":"Amount","Value":100.0},{"Name":"MpesaReceiptNumber","Value":"ABC123"},` +
	`{"Name":"TransactionDate","Value":20240101120000},{"Name":"PhoneNumber","Value":254712345678}`

func countEvents(t *testing.T, db *gorm.DB, eventType string) int64 {
	var n int64
	require.NoError(t, db.Model(&model.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func TestInitiate_Success(t *testing.T) {
	p := &stubProvider{}
	svc, _, db := newTestService(t, p)
	ctx := context.Background()

	res := initiate(t, svc, "ws_1")
	assert.Equal(t, "ws_1", res.CheckoutRequestID)
	assert.Equal(t, "Success. Request accepted for processing", res.ResponseDescription)

	require.Len(t, p.calls, 1)
	assert.Equal(t, "254712345678", p.calls[0].PhoneNumber)
	assert.Equal(t, "Payment", p.calls[0].TransactionDesc)
	assert.Equal(t, "https://example.com/callback/", p.calls[0].CallBackURL)

	txn, err := svc.Repo().GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, txn.Status)
	assert.Equal(t, "254712345678", txn.PhoneNumber)
	assert.Equal(t, "100.00", txn.Amount.StringFixed(2))
	assert.Equal(t, "mr_ws_1", txn.MerchantRequestID)
	assert.Nil(t, txn.MpesaReceiptNumber)
	assert.JSONEq(t, `{
		"response_code":"0",
		"response_description":"Success. Request accepted for processing",
		"customer_message":"Success. Request accepted for processing",
		"merchant_request_id":"mr_ws_1",
		"checkout_request_id":"ws_1"}`, string(txn.RawResponse))
	assert.Equal(t, int64(1), countEvents(t, db, model.EventPaymentInitiated))
}

func TestInitiate_MissingFields(t *testing.T) {
	p := &stubProvider{resp: accepted("ws_1")}
	svc, _, _ := newTestService(t, p)

	for _, req := range []InitiateRequest{
		{Amount: 100, Reference: "INV1"},
		{PhoneNumber: "0712345678", Reference: "INV1"},
		{PhoneNumber: "0712345678", Amount: 100},
	} {
		_, err := svc.Initiate(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Empty(t, p.calls)
}

func TestInitiate_ProviderRejected(t *testing.T) {
	p := &stubProvider{resp: &daraja.STKPushResponse{ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid PhoneNumber"}}
	svc, _, db := newTestService(t, p)

	_, err := svc.Initiate(context.Background(), InitiateRequest{PhoneNumber: "07", Amount: 1, Reference: "INV1"})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Transport())
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", perr.Message)

	var n int64
	require.NoError(t, db.Model(&model.Transaction{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestInitiate_RejectedMapping(t *testing.T) {
	p := &stubProvider{resp: normalize.Result{Success: false, ResponseCode: "1"}}
	svc, _, _ := newTestService(t, p)

	_, err := svc.Initiate(context.Background(), InitiateRequest{PhoneNumber: "0712345678", Amount: 1, Reference: "INV1"})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "1", perr.ResponseCode)
	assert.Empty(t, perr.Message)
}

func TestInitiate_AcceptedWithoutCheckoutID(t *testing.T) {
	for _, resp := range []any{
		map[string]any{"response_code": "0", "merchant_request_id": "mr_9"},
		&daraja.STKPushResponse{ResponseCode: "0", MerchantRequestID: "mr_9", CheckoutRequestID: "  "},
	} {
		svc, _, db := newTestService(t, &stubProvider{resp: resp})

		_, err := svc.Initiate(context.Background(), InitiateRequest{PhoneNumber: "0712345678", Amount: 1, Reference: "INV1"})
		var perr *ProviderError
		require.True(t, errors.As(err, &perr), "%v", err)
		assert.False(t, perr.Transport())
		assert.Equal(t, msgMissingCheckoutID, perr.Message)

		var n int64
		require.NoError(t, db.Model(&model.Transaction{}).Count(&n).Error)
		assert.Zero(t, n)
	}
}

func TestInitiate_TransportError(t *testing.T) {
	p := &stubProvider{err: errors.New("dial tcp: connection refused")}
	svc, _, db := newTestService(t, p)

	_, err := svc.Initiate(context.Background(), InitiateRequest{PhoneNumber: "0712345678", Amount: 1, Reference: "INV1"})
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Transport())
	assert.EqualError(t, err, "dial tcp: connection refused")

	var n int64
	require.NoError(t, db.Model(&model.Transaction{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestHandleCallback_Success(t *testing.T) {
	svc, _, db := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	body := callbackBody("ws_1", 0, successItems)
	res, err := svc.HandleCallback(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, res.Status)
	assert.False(t, res.Duplicate)

	txn, err := svc.Repo().GetTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, txn.Status)
	require.NotNil(t, txn.MpesaReceiptNumber)
	assert.Equal(t, "ABC123", *txn.MpesaReceiptNumber)
	require.NotNil(t, txn.TransactionDate)
	assert.True(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Equal(*txn.TransactionDate))
	assert.JSONEq(t, string(body), string(txn.RawResponse))
	assert.Equal(t, int64(1), countEvents(t, db, model.EventPaymentSucceeded))
}

func TestHandleCallback_StringResultCode(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	initiate(t, svc, "ws_1")

	res, err := svc.HandleCallback(context.Background(), callbackBody("ws_1", `"0"`, ""))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, res.Status)
}

func TestHandleCallback_FloatResultCode(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	initiate(t, svc, "ws_1")
	initiate(t, svc, "ws_2")
	initiate(t, svc, "ws_3")

	for id, code := range map[string]any{"ws_1": "0.0", "ws_2": `"0.0"`, "ws_3": "0e0"} {
		res, err := svc.HandleCallback(context.Background(), callbackBody(id, code, ""))
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccessful, res.Status, id)
	}
}

func TestHandleCallback_Failure(t *testing.T) {
	svc, _, db := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	res, err := svc.HandleCallback(ctx, callbackBody("ws_1", 1032, ""))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)

	txn, err := svc.Repo().GetTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, txn.Status)
	assert.Nil(t, txn.MpesaReceiptNumber)
	assert.Nil(t, txn.TransactionDate)
	assert.Equal(t, int64(1), countEvents(t, db, model.EventPaymentFailed))
}

func TestHandleCallback_BadTransactionDateIsSkipped(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	items := `{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"TransactionDate","Value":"yesterday"}`
	_, err := svc.HandleCallback(ctx, callbackBody("ws_1", 0, items))
	require.NoError(t, err)

	txn, err := svc.Repo().GetTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, txn.Status)
	assert.Equal(t, "ABC123", *txn.MpesaReceiptNumber)
	assert.Nil(t, txn.TransactionDate)
}

func TestHandleCallback_LateDuplicateDoesNotRevert(t *testing.T) {
	svc, _, db := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	_, err := svc.HandleCallback(ctx, callbackBody("ws_1", 0, successItems))
	require.NoError(t, err)

	res, err := svc.HandleCallback(ctx, callbackBody("ws_1", 1032, ""))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, model.StatusSuccessful, res.Status)

	res, err = svc.HandleCallback(ctx, callbackBody("ws_1", 0, successItems))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	txn, err := svc.Repo().GetTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, txn.Status)
	assert.Equal(t, "ABC123", *txn.MpesaReceiptNumber)
	assert.Equal(t, int64(1), countEvents(t, db, model.EventPaymentSucceeded))
	assert.Zero(t, countEvents(t, db, model.EventPaymentFailed))
}

func TestHandleCallback_UnknownTransaction(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	_, err := svc.HandleCallback(context.Background(), callbackBody("ws_missing", 0, ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleCallback_MissingCheckoutIDMatchesNothing(t *testing.T) {
	svc, _, db := newTestService(t, &stubProvider{})
	ctx := context.Background()
	legacy := &model.Transaction{
		PhoneNumber: "254712345678", Amount: decimal.NewFromInt(100), Reference: "INV-legacy",
		MerchantRequestID: "mr_legacy", Status: model.StatusPending, RawResponse: datatypes.JSON(`{}`),
	}
	require.NoError(t, db.Create(legacy).Error)

	for _, body := range []string{
		`{"Body":{"stkCallback":{"ResultCode":1}}}`,
		`{"Body":{"stkCallback":{"MerchantRequestID":"mr_legacy","CheckoutRequestID":"","ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"   ","ResultCode":0}}}`,
	} {
		_, err := svc.HandleCallback(ctx, []byte(body))
		assert.ErrorIs(t, err, ErrNotFound, body)
	}

	txn, err := svc.Repo().GetTransaction(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, txn.Status)
	assert.Zero(t, countEvents(t, db, model.EventPaymentFailed))
	assert.Zero(t, countEvents(t, db, model.EventPaymentSucceeded))
}

func TestHandleCallback_Malformed(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()
	initiate(t, svc, "ws_1")

	_, err := svc.HandleCallback(ctx, []byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
	assert.ErrorIs(t, err, ErrMalformedCallback)

	for _, body := range []string{`{}`, `{"Body":{}}`, `{"Body":{"stkCallback":null}}`, `{"Body":{"stkCallback":{}}}`, `[1,2]`} {
		_, err := svc.HandleCallback(ctx, []byte(body))
		assert.ErrorIs(t, err, ErrInvalidCallback, body)
	}

	txn, err := svc.Repo().GetTransaction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, txn.Status)
}

func TestGetStatus(t *testing.T) {
	svc, spy, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	txn, err := svc.GetStatus(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, txn.Status)
	assert.Empty(t, spy.cached, "pending rows are not cached")

	_, err = svc.HandleCallback(ctx, callbackBody("ws_1", 0, successItems))
	require.NoError(t, err)
	txn, err = svc.GetStatus(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, txn.Status)
	assert.Equal(t, []uint64{created.TransactionID}, spy.cached)

	_, err = svc.GetStatus(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSimulateSuccess(t *testing.T) {
	svc, _, db := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	txn, err := svc.SimulateSuccess(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, txn.Status)
	want := fmt.Sprintf("SIM%d", time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC).Unix())
	assert.Equal(t, want, *txn.MpesaReceiptNumber)

	stored, err := svc.Repo().GetTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, want, *stored.MpesaReceiptNumber)
	require.NotNil(t, stored.TransactionDate)

	// the stored envelope must read back like a real delivery
	cb, err := ParseCallback(stored.RawResponse)
	require.NoError(t, err)
	assert.True(t, cb.ResultCode.OK())
	assert.Equal(t, "ws_1", cb.CheckoutRequestID)
	assert.Equal(t, "The service request is processed successfully.", cb.ResultDesc)
	items := map[string]string{}
	for _, it := range cb.CallbackMetadata.Item {
		items[it.Name] = it.String()
	}
	assert.Equal(t, want, items["MpesaReceiptNumber"])
	assert.Equal(t, "20240301093000", items["TransactionDate"])
	assert.Equal(t, "254712345678", items["PhoneNumber"])
	assert.Equal(t, int64(1), countEvents(t, db, model.EventPaymentSucceeded))

	_, err = svc.SimulateSuccess(ctx, created.TransactionID)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	_, err = svc.SimulateSuccess(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSimulateThenCallbackIsDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()
	created := initiate(t, svc, "ws_1")

	_, err := svc.SimulateSuccess(ctx, created.TransactionID)
	require.NoError(t, err)
	res, err := svc.HandleCallback(ctx, callbackBody("ws_1", 1, ""))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	txn, err := svc.Repo().GetTransaction(ctx, created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccessful, txn.Status)

	var env map[string]any
	require.NoError(t, json.Unmarshal(txn.RawResponse, &env))
	assert.Contains(t, env, "Body")
}

func TestList(t *testing.T) {
	svc, _, _ := newTestService(t, &stubProvider{})
	ctx := context.Background()
	initiate(t, svc, "ws_1")
	initiate(t, svc, "ws_2")

	txs, err := svc.List(ctx, repo.ListFilter{Status: model.StatusPending})
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	_, err = svc.List(ctx, repo.ListFilter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrValidation)
}
