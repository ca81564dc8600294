package services

import (
	"context"
	"errors"
	"fmt"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/scheduler"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrNegativeBalance  = errors.New("balance cannot be negative")
	ErrLedgerContention = errors.New("ledger update kept conflicting with concurrent writers")
	ErrUnknownFeature   = errors.New("unknown feature")

	errRaceLost     = errors.New("ledger version changed during update")
	errInsufficient = errors.New("insufficient credits")
	errDuplicateRef = errors.New("reference already applied")
)

const (
	defaultLedgerRetries = 5
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500
)

// Affordability answers whether a user can pay for a feature right now.
type Affordability struct {
	OK       bool  `json:"ok"`
	Balance  int64 `json:"currentCredits"`
	Required int64 `json:"required"`
}

// DebitOptions overrides the defaults of a debit. Zero Amount means the
// feature's configured cost.
type DebitOptions struct {
	Amount      int64
	Description string
	MessageID   string
}

// DebitResult is the outcome of a debit. OK is false when the balance could
// not cover Required; nothing was written in that case.
type DebitResult struct {
	OK            bool  `json:"ok"`
	NewBalance    int64 `json:"newBalance"`
	Balance       int64 `json:"currentCredits"`
	Required      int64 `json:"required"`
	TransactionID uint  `json:"transactionId,omitempty"`
}

// LedgerCheck compares the stored balance with the replayed transaction sum.
type LedgerCheck struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	TransactionSum int64  `json:"transaction_sum"`
	Transactions   int64  `json:"transactions"`
	Consistent     bool   `json:"consistent"`
}

// CreditUpdate is published on credit_update_<user> after every balance change.
type CreditUpdate struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Delta   int64  `json:"delta"`
	Type    string `json:"type"`
}

// CreditLedger owns user balances. Every balance change appends exactly one
// transaction, so replaying a user's transactions reproduces the balance.
type CreditLedger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	CanAfford(ctx context.Context, userID string, feature models.Feature) (Affordability, error)
	Debit(ctx context.Context, userID string, feature models.Feature, opts DebitOptions) (DebitResult, error)
	Credit(ctx context.Context, userID string, amount int64, description string) (int64, error)
	RecordPurchase(ctx context.Context, userID string, amount int64, reference, description string) (int64, bool, error)
	SetBalance(ctx context.Context, userID string, amount int64, description string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
	Verify(ctx context.Context, userID string) (LedgerCheck, error)
}

// LedgerConfig configures DefaultCreditLedger.
type LedgerConfig struct {
	InitialBalance int64
	MaxRetries     int
	Costs          models.FeatureCostTable
	Clock          scheduler.Clock
	Notifier       Notifier
}

type DefaultCreditLedger struct {
	db       *gorm.DB
	initial  int64
	retries  int
	costs    models.FeatureCostTable
	clock    scheduler.Clock
	notifier Notifier
}

func NewCreditLedger(db *gorm.DB, cfg LedgerConfig) CreditLedger {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultLedgerRetries
	}
	if cfg.Costs == nil {
		cfg.Costs = models.DefaultFeatureCosts()
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.RealClock()
	}
	if cfg.InitialBalance < 0 {
		cfg.InitialBalance = 0
	}
	return &DefaultCreditLedger{
		db:       db,
		initial:  cfg.InitialBalance,
		retries:  cfg.MaxRetries,
		costs:    cfg.Costs,
		clock:    cfg.Clock,
		notifier: cfg.Notifier,
	}
}

// GetBalance returns the user's balance. Users without an account report
// the initial grant they would receive.
func (l *DefaultCreditLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	var acct models.CreditAccount
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l.initial, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load credit account: %w", err)
	}
	return acct.Balance, nil
}

// CanAfford is a pure read; it never creates an account.
func (l *DefaultCreditLedger) CanAfford(ctx context.Context, userID string, feature models.Feature) (Affordability, error) {
	cost, ok := l.costs.Lookup(feature)
	if !ok {
		return Affordability{}, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	balance, err := l.GetBalance(ctx, userID)
	if err != nil {
		return Affordability{}, err
	}
	return Affordability{
		OK:       balance >= cost.Credits,
		Balance:  balance,
		Required: cost.Credits,
	}, nil
}

// Debit atomically checks the balance and deducts the feature cost,
// appending one transaction.
func (l *DefaultCreditLedger) Debit(ctx context.Context, userID string, feature models.Feature, opts DebitOptions) (DebitResult, error) {
	amount := opts.Amount
	if amount == 0 {
		cost, ok := l.costs.Lookup(feature)
		if !ok {
			return DebitResult{}, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
		}
		amount = cost.Credits
	}
	if amount < 0 {
		return DebitResult{}, ErrInvalidAmount
	}

	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("%s usage", feature)
	}

	var seen int64
	acct, txn, err := l.apply(ctx, userID, func(current models.CreditAccount) (*models.CreditTransaction, error) {
		seen = current.Balance
		if current.Balance < amount {
			return nil, errInsufficient
		}
		return &models.CreditTransaction{
			MessageID:   optional(opts.MessageID),
			Type:        string(feature),
			Amount:      -amount,
			Description: description,
		}, nil
	})

	if errors.Is(err, errInsufficient) {
		log.Info().
			Str("user_id", userID).
			Str("feature", string(feature)).
			Int64("balance", seen).
			Int64("required", amount).
			Msg("Debit rejected for insufficient credits")
		return DebitResult{OK: false, Balance: seen, NewBalance: seen, Required: amount}, nil
	}
	if err != nil {
		return DebitResult{}, err
	}

	return DebitResult{
		OK:            true,
		NewBalance:    acct.Balance,
		Balance:       acct.Balance,
		Required:      amount,
		TransactionID: txn.ID,
	}, nil
}

// Credit adds amount as an admin adjustment.
func (l *DefaultCreditLedger) Credit(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	acct, _, err := l.apply(ctx, userID, func(models.CreditAccount) (*models.CreditTransaction, error) {
		return &models.CreditTransaction{
			Type:        models.TxTypeAdminAdjustment,
			Amount:      amount,
			Description: description,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// RecordPurchase credits a paid top-up once per reference. The second
// result is false when the reference was already applied.
func (l *DefaultCreditLedger) RecordPurchase(ctx context.Context, userID string, amount int64, reference, description string) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	if reference == "" {
		return 0, false, errors.New("purchase reference is required")
	}

	var existing int64
	if err := l.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("reference = ?", reference).Count(&existing).Error; err != nil {
		return 0, false, fmt.Errorf("failed to check purchase reference: %w", err)
	}
	if existing > 0 {
		balance, err := l.GetBalance(ctx, userID)
		return balance, false, err
	}

	acct, _, err := l.apply(ctx, userID, func(models.CreditAccount) (*models.CreditTransaction, error) {
		return &models.CreditTransaction{
			Type:        models.TxTypePurchase,
			Amount:      amount,
			Description: description,
			Reference:   optional(reference),
		}, nil
	})
	if errors.Is(err, errDuplicateRef) {
		balance, err := l.GetBalance(ctx, userID)
		return balance, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return acct.Balance, true, nil
}

// SetBalance sets an absolute balance, recording the signed delta.
func (l *DefaultCreditLedger) SetBalance(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount < 0 {
		return 0, ErrNegativeBalance
	}
	if description == "" {
		description = "balance set by administrator"
	}
	acct, _, err := l.apply(ctx, userID, func(current models.CreditAccount) (*models.CreditTransaction, error) {
		return &models.CreditTransaction{
			Type:        models.TxTypeAdminAdjustment,
			Amount:      amount - current.Balance,
			Description: description,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns the user's transactions, newest first.
func (l *DefaultCreditLedger) History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var txns []models.CreditTransaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load credit history: %w", err)
	}
	return txns, nil
}

// Verify replays the user's transactions against the stored balance.
func (l *DefaultCreditLedger) Verify(ctx context.Context, userID string) (LedgerCheck, error) {
	check := LedgerCheck{UserID: userID}
	db := l.db.WithContext(ctx)

	var acct models.CreditAccount
	err := db.Where("user_id = ?", userID).First(&acct).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return check, fmt.Errorf("failed to load credit account: %w", err)
	}
	check.Balance = acct.Balance

	var agg struct {
		Total int64
		Count int64
	}
	err = db.Model(&models.CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Scan(&agg).Error
	if err != nil {
		return check, fmt.Errorf("failed to sum credit transactions: %w", err)
	}

	check.TransactionSum = agg.Total
	check.Transactions = agg.Count
	check.Consistent = agg.Total == acct.Balance
	if !check.Consistent {
		log.Error().
			Str("user_id", userID).
			Int64("balance", acct.Balance).
			Int64("transaction_sum", agg.Total).
			Msg("Credit ledger replay mismatch")
	}
	return check, nil
}

// apply runs one balance change as a compare-and-swap on the account
// version. change sees the current account and returns the transaction to
// append; its Amount is the balance delta. Lost races are retried.
func (l *DefaultCreditLedger) apply(
	ctx context.Context,
	userID string,
	change func(models.CreditAccount) (*models.CreditTransaction, error),
) (models.CreditAccount, *models.CreditTransaction, error) {
	if userID == "" {
		return models.CreditAccount{}, nil, errors.New("user id is required")
	}

	for attempt := 1; attempt <= l.retries; attempt++ {
		var acct models.CreditAccount
		var txn *models.CreditTransaction

		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := l.ensureAccount(tx, userID)
			if err != nil {
				return err
			}

			txn, err = change(current)
			if err != nil {
				return err
			}

			newBalance := current.Balance + txn.Amount
			if newBalance < 0 {
				return ErrNegativeBalance
			}
			now := l.clock.Now().UTC()

			res := tx.Model(&models.CreditAccount{}).
				Where("user_id = ? AND version = ?", userID, current.Version).
				Updates(map[string]interface{}{
					"balance":    newBalance,
					"version":    current.Version + 1,
					"updated_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to update balance: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errRaceLost
			}

			if txn.Reference != nil {
				var dup int64
				if err := tx.Model(&models.CreditTransaction{}).Where("reference = ?", *txn.Reference).Count(&dup).Error; err != nil {
					return err
				}
				if dup > 0 {
					return errDuplicateRef
				}
			}

			txn.UserID = userID
			txn.BalanceAfter = newBalance
			txn.CreatedAt = now
			if err := tx.Create(txn).Error; err != nil {
				return fmt.Errorf("failed to record credit transaction: %w", err)
			}

			current.Balance = newBalance
			current.Version++
			current.UpdatedAt = now
			acct = current
			return nil
		})

		if errors.Is(err, errRaceLost) {
			log.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("Ledger race lost, retrying")
			continue
		}
		if err != nil {
			return models.CreditAccount{}, nil, err
		}

		l.notify(acct, txn)
		return acct, txn, nil
	}

	log.Warn().Str("user_id", userID).Int("attempts", l.retries).Msg("Ledger update gave up after repeated conflicts")
	return models.CreditAccount{}, nil, ErrLedgerContention
}

// ensureAccount loads the account, creating it with the initial grant on
// first use. The grant is recorded as a transaction.
func (l *DefaultCreditLedger) ensureAccount(tx *gorm.DB, userID string) (models.CreditAccount, error) {
	now := l.clock.Now().UTC()
	acct := models.CreditAccount{
		UserID:    userID,
		Balance:   l.initial,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct)
	if res.Error != nil {
		return models.CreditAccount{}, fmt.Errorf("failed to create credit account: %w", res.Error)
	}
	if res.RowsAffected == 1 && l.initial > 0 {
		grant := models.CreditTransaction{
			UserID:       userID,
			Type:         models.TxTypeAdminAdjustment,
			Amount:       l.initial,
			BalanceAfter: l.initial,
			Description:  "initial credit grant",
			CreatedAt:    now,
		}
		if err := tx.Create(&grant).Error; err != nil {
			return models.CreditAccount{}, fmt.Errorf("failed to record initial grant: %w", err)
		}
	}

	var current models.CreditAccount
	if err := tx.Where("user_id = ?", userID).First(&current).Error; err != nil {
		return models.CreditAccount{}, fmt.Errorf("failed to load credit account: %w", err)
	}
	return current, nil
}

func (l *DefaultCreditLedger) notify(acct models.CreditAccount, txn *models.CreditTransaction) {
	if l.notifier == nil || txn == nil {
		return
	}
	l.notifier.Publish("credit_update_"+acct.UserID, CreditUpdate{
		UserID:  acct.UserID,
		Balance: acct.Balance,
		Delta:   txn.Amount,
		Type:    txn.Type,
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
