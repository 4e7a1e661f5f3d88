package service

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/zap"
)

// LedgerService кредитный журнал часов ученика у учителя.
// Баланс меняется только через проводки; журнал только дописывается.
type LedgerService struct {
	store  repository.Store
	logger *zap.Logger
}

func NewLedgerService(store repository.Store, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		store:  store,
		logger: logger,
	}
}

func validateAmount(op string, key model.AccountKey, hours model.Hours, quarterAligned bool) error {
	var reasons []string
	if key.StudentID <= 0 || key.TeacherID <= 0 {
		reasons = append(reasons, "account key must reference a student and a teacher")
	}
	if hours <= 0 {
		reasons = append(reasons, "hours must be positive")
	}
	if quarterAligned && !hours.IsQuarterAligned() {
		reasons = append(reasons, "hours must be in quarter-hour steps")
	}
	if len(reasons) > 0 {
		return apperr.Validation(op, reasons...)
	}
	return nil
}

// Purchase зачисляет купленные часы. Сумма уже проверена платёжным контуром.
func (s *LedgerService) Purchase(ctx context.Context, key model.AccountKey, hours model.Hours, description string) (*model.CreditTransaction, error) {
	if err := validateAmount("purchase credits", key, hours, true); err != nil {
		return nil, err
	}

	var txn *model.CreditTransaction
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		txn, err = applyTx(ctx, tx, key, model.TransactionPurchase, hours, description, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("purchase credits: %w", err)
	}

	s.logger.Info("Credits purchased",
		zap.Int64("student_id", key.StudentID),
		zap.Int64("teacher_id", key.TeacherID),
		zap.Stringer("hours", hours),
		zap.Stringer("balance", txn.BalanceAfter),
	)

	return txn, nil
}

// Deduct списывает часы, если на балансе хватает; иначе InsufficientBalance
func (s *LedgerService) Deduct(ctx context.Context, key model.AccountKey, hours model.Hours, ref model.Reference) (*model.CreditTransaction, error) {
	if err := validateAmount("deduct credits", key, hours, false); err != nil {
		return nil, err
	}

	var txn *model.CreditTransaction
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		txn, err = applyTx(ctx, tx, key, model.TransactionDeduction, hours, "deduction", &ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deduct credits: %w", err)
	}

	s.logger.Info("Credits deducted",
		zap.Int64("student_id", key.StudentID),
		zap.Int64("teacher_id", key.TeacherID),
		zap.Stringer("hours", hours),
		zap.String("reference_type", ref.Type),
		zap.Int64("reference_id", ref.ID),
	)

	return txn, nil
}

// Refund возвращает часы на баланс
func (s *LedgerService) Refund(ctx context.Context, key model.AccountKey, hours model.Hours, ref model.Reference) (*model.CreditTransaction, error) {
	if err := validateAmount("refund credits", key, hours, false); err != nil {
		return nil, err
	}

	var txn *model.CreditTransaction
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		txn, err = applyTx(ctx, tx, key, model.TransactionRefund, hours, "refund", &ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("refund credits: %w", err)
	}

	s.logger.Info("Credits refunded",
		zap.Int64("student_id", key.StudentID),
		zap.Int64("teacher_id", key.TeacherID),
		zap.Stringer("hours", hours),
		zap.Int64("reference_id", ref.ID),
	)

	return txn, nil
}

// Preview показывает баланс и часы, удерживаемые ожидающими назначениями.
// Только для быстрого отказа в UI: окончательная проверка всегда в Deduct.
func (s *LedgerService) Preview(ctx context.Context, key model.AccountKey) (model.Preview, error) {
	var preview model.Preview
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		account, err := tx.Credits().GetAccount(ctx, key)
		switch {
		case err == nil:
			preview.Balance = account.Balance
		case !apperr.Is(err, apperr.KindNotFound):
			return err
		}

		pending, err := pendingHours(ctx, tx, key)
		if err != nil {
			return err
		}
		preview.Pending = pending
		return nil
	})
	if err != nil {
		return model.Preview{}, fmt.Errorf("preview credits: %w", err)
	}

	return preview, nil
}

// Account получает счёт пары
func (s *LedgerService) Account(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	var account *model.CreditAccount
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		account, err = tx.Credits().GetAccount(ctx, key)
		return err
	})
	return account, err
}

// History журнал проводок счёта в порядке применения
func (s *LedgerService) History(ctx context.Context, key model.AccountKey) ([]*model.CreditTransaction, error) {
	var txns []*model.CreditTransaction
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		account, err := tx.Credits().GetAccount(ctx, key)
		if err != nil {
			return err
		}
		txns, err = tx.Credits().ListTransactions(ctx, account.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit history: %w", err)
	}

	return txns, nil
}

// ForReference проводки по сущности, например все движения по бронированию
func (s *LedgerService) ForReference(ctx context.Context, ref model.Reference) ([]*model.CreditTransaction, error) {
	var txns []*model.CreditTransaction
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		txns, err = tx.Credits().ListByReference(ctx, ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit transactions by reference: %w", err)
	}

	return txns, nil
}

// Verify проигрывает журнал и сверяет снимки баланса и итоги счёта
func (s *LedgerService) Verify(ctx context.Context, key model.AccountKey) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		account, err := tx.Credits().GetAccountForUpdate(ctx, key)
		if err != nil {
			return err
		}
		txns, err := tx.Credits().ListTransactions(ctx, account.ID)
		if err != nil {
			return err
		}
		return replay(account, txns)
	})
}

func replay(account *model.CreditAccount, txns []*model.CreditTransaction) error {
	var replayed model.CreditAccount
	for _, t := range txns {
		amount := t.Amount
		if amount < 0 {
			amount = -amount
		}
		if model.SignedAmount(t.Type, amount) != t.Amount {
			return apperr.Conflict("verify ledger", "transaction %d has wrong sign for %s", t.ID, t.Type)
		}
		balance := replayed.Apply(t.Type, amount)
		if balance < 0 {
			return apperr.Conflict("verify ledger", "balance negative after transaction %d", t.ID)
		}
		if balance != t.BalanceAfter {
			return apperr.Conflict("verify ledger", "transaction %d snapshot %s, replay gives %s", t.ID, t.BalanceAfter, balance)
		}
	}

	if replayed.Balance != account.Balance ||
		replayed.LifetimePurchased != account.LifetimePurchased ||
		replayed.LifetimeUsed != account.LifetimeUsed ||
		replayed.LifetimeRefunded != account.LifetimeRefunded {
		return apperr.Conflict("verify ledger", "account %d totals differ from journal", account.ID)
	}

	return nil
}

// applyTx блокирует счёт, проверяет баланс, обновляет его и пишет проводку
// в той же транзакции. Вызывающий обязан уже держать блокировки слотов.
func applyTx(
	ctx context.Context,
	tx repository.Tx,
	key model.AccountKey,
	typ model.TransactionType,
	hours model.Hours,
	description string,
	ref *model.Reference,
) (*model.CreditTransaction, error) {
	var (
		account *model.CreditAccount
		err     error
	)
	if typ == model.TransactionDeduction {
		account, err = tx.Credits().GetAccountForUpdate(ctx, key)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Insufficient("deduct credits", hours.Minutes(), 0)
		}
	} else {
		account, err = tx.Credits().EnsureAccountForUpdate(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	if typ == model.TransactionDeduction && account.Balance < hours {
		return nil, apperr.Insufficient("deduct credits", hours.Minutes(), account.Balance.Minutes())
	}

	balance := account.Apply(typ, hours)
	if err := tx.Credits().UpdateAccount(ctx, account); err != nil {
		return nil, err
	}

	txn := &model.CreditTransaction{
		AccountID:    account.ID,
		Type:         typ,
		Amount:       model.SignedAmount(typ, hours),
		BalanceAfter: balance,
		Description:  description,
		Reference:    ref,
	}
	if err := tx.Credits().InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}

	return txn, nil
}

// requireBalanceTx проверяет под блокировкой счёта, что хватит на всю сумму
func requireBalanceTx(ctx context.Context, tx repository.Tx, key model.AccountKey, total model.Hours) error {
	account, err := tx.Credits().GetAccountForUpdate(ctx, key)
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.Insufficient("check balance", total.Minutes(), 0)
	}
	if err != nil {
		return err
	}
	if account.Balance < total {
		return apperr.Insufficient("check balance", total.Minutes(), account.Balance.Minutes())
	}
	return nil
}

// pendingHours сумма длительностей слотов в ожидающих назначениях пары
func pendingHours(ctx context.Context, tx repository.Tx, key model.AccountKey) (model.Hours, error) {
	assignments, err := tx.Assignments().ListPendingByStudent(ctx, key.StudentID)
	if err != nil {
		return 0, err
	}

	var ids []int64
	for _, a := range assignments {
		if a.TeacherID == key.TeacherID {
			ids = append(ids, a.SlotIDs...)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	slots, err := tx.Slots().GetByIDs(ctx, sortedUnique(ids))
	if err != nil {
		return 0, err
	}

	var total model.Hours
	for _, slot := range slots {
		if slot.Status == model.SlotStatusAssigned {
			total += slot.Hours()
		}
	}
	return total, nil
}
