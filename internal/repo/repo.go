package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAlreadyFinalized is returned when a terminal update loses the pending->terminal
// compare-and-set, i.e. the transaction was settled by an earlier delivery.
var ErrAlreadyFinalized = errors.New("transaction already finalized")

// ErrCacheDisabled is returned by cache reads when no redis client is configured.
var ErrCacheDisabled = errors.New("cache disabled")

// RepositoryInterface restricts Repo methods (mockable in service tests).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	GetByCheckoutIDForUpdate(ctx context.Context, tx *gorm.DB, checkoutID string) (*model.Transaction, error)
	FinalizeTransaction(ctx context.Context, tx *gorm.DB, id uint64, upd Finalization) error
	ListTransactions(ctx context.Context, f ListFilter) ([]model.Transaction, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheTransaction(ctx context.Context, t *model.Transaction) error
	GetCachedTransaction(ctx context.Context, id uint64) (*model.Transaction, error)
}

// Finalization is the terminal state applied by a callback or a simulation.
type Finalization struct {
	Status          model.Status
	ReceiptNumber   *string
	TransactionDate *time.Time
	RawResponse     datatypes.JSON
}

// ListFilter narrows ListTransactions. Zero values mean "no filter".
type ListFilter struct {
	Status model.Status
	Search string
	Limit  int
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	writer   *kafka.Writer
	log      *zap.SugaredLogger
	cacheTTL time.Duration
}

// NewRepository constructs repo. rdb may be nil, in which case caching is skipped.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger, cacheTTL time.Duration) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Repository{db: db, rdb: rdb, writer: w, log: logger, cacheTTL: cacheTTL}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTransaction reads by primary key.
func (r *Repository) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionForUpdate locks the row by primary key.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByCheckoutIDForUpdate locks the row matched by the provider correlation id.
func (r *Repository) GetByCheckoutIDForUpdate(ctx context.Context, tx *gorm.DB, checkoutID string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("checkout_request_id = ?", checkoutID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// FinalizeTransaction moves a pending row to a terminal status. The status
// predicate is the compare-and-set: a row that already left pending is not touched.
func (r *Repository) FinalizeTransaction(ctx context.Context, tx *gorm.DB, id uint64, upd Finalization) error {
	if !model.CanTransition(model.StatusPending, upd.Status) {
		return fmt.Errorf("invalid terminal status %q", upd.Status)
	}
	fields := map[string]interface{}{
		"status":       upd.Status,
		"raw_response": upd.RawResponse,
	}
	if upd.ReceiptNumber != nil {
		fields["mpesa_receipt_number"] = *upd.ReceiptNumber
	}
	if upd.TransactionDate != nil {
		fields["transaction_date"] = *upd.TransactionDate
	}
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// ListTransactions returns newest first.
func (r *Repository) ListTransactions(ctx context.Context, f ListFilter) ([]model.Transaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Model(&model.Transaction{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + s + "%"
		q = q.Where("phone_number LIKE ? OR reference LIKE ? OR mpesa_receipt_number LIKE ?", like, like, like)
	}
	var txs []model.Transaction
	err := q.Order("created_at desc").Order("id desc").Limit(limit).Find(&txs).Error
	return txs, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("created_at").Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by transaction so per-payment ordering holds.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.AggregateID)),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "event_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
		Time: time.Now(),
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	r.log.Debugw("event published", "event_id", evt.ID, "event_type", evt.EventType, "transaction_id", evt.AggregateID)
	return nil
}

func cacheKey(id uint64) string { return fmt.Sprintf("txn:%d", id) }

// CacheTransaction writes a snapshot to Redis.
func (r *Repository) CacheTransaction(ctx context.Context, t *model.Transaction) error {
	if r.rdb == nil {
		return nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, cacheKey(t.ID), string(b), r.cacheTTL).Err()
}

// GetCachedTransaction reads Redis; redis.Nil on miss.
func (r *Repository) GetCachedTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	if r.rdb == nil {
		return nil, ErrCacheDisabled
	}
	str, err := r.rdb.Get(ctx, cacheKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var t model.Transaction
	if err := json.Unmarshal([]byte(str), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
