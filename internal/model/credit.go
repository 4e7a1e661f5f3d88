package model

import "time"

// AccountKey кредитный счёт существует на пару (ученик, учитель)
type AccountKey struct {
	StudentID int64 `json:"student_id"`
	TeacherID int64 `json:"teacher_id"`
}

type CreditAccount struct {
	ID                int64     `json:"id"`
	StudentID         int64     `json:"student_id"`
	TeacherID         int64     `json:"teacher_id"`
	Balance           Hours     `json:"balance"`
	LifetimePurchased Hours     `json:"lifetime_purchased"`
	LifetimeUsed      Hours     `json:"lifetime_used"`
	LifetimeRefunded  Hours     `json:"lifetime_refunded"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Key ключ счёта
func (a *CreditAccount) Key() AccountKey {
	return AccountKey{StudentID: a.StudentID, TeacherID: a.TeacherID}
}

// Consistent проверяет balance = purchased − used + refunded и balance ≥ 0
func (a *CreditAccount) Consistent() bool {
	return a.Balance >= 0 && a.Balance == a.LifetimePurchased-a.LifetimeUsed+a.LifetimeRefunded
}

type TransactionType string

const (
	TransactionPurchase  TransactionType = "purchase"
	TransactionDeduction TransactionType = "deduction"
	TransactionRefund    TransactionType = "refund"
)

// Reference types
const (
	ReferenceBooking  = "booking"
	ReferencePurchase = "purchase"
)

// Reference на что ссылается проводка
type Reference struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// CreditTransaction запись журнала, только вставка
type CreditTransaction struct {
	ID           int64           `json:"id"`
	AccountID    int64           `json:"account_id"`
	Type         TransactionType `json:"type"`
	Amount       Hours           `json:"amount"`        // со знаком: deduction < 0
	BalanceAfter Hours           `json:"balance_after"` // баланс сразу после применения
	Description  string          `json:"description"`
	Reference    *Reference      `json:"reference"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Apply применяет проводку к счёту и возвращает итоговый баланс
func (a *CreditAccount) Apply(t TransactionType, amount Hours) Hours {
	switch t {
	case TransactionPurchase:
		a.LifetimePurchased += amount
		a.Balance += amount
	case TransactionDeduction:
		a.LifetimeUsed += amount
		a.Balance -= amount
	case TransactionRefund:
		a.LifetimeRefunded += amount
		a.Balance += amount
	}
	return a.Balance
}

// SignedAmount сумма со знаком для записи в журнал
func SignedAmount(t TransactionType, amount Hours) Hours {
	if t == TransactionDeduction {
		return -amount
	}
	return amount
}

// Preview баланс и часы, удерживаемые ожидающими назначениями
type Preview struct {
	Balance Hours `json:"balance"`
	Pending Hours `json:"pending"`
}

// Spendable сколько часов доступно с учётом ожидающих назначений
func (p Preview) Spendable() Hours {
	return p.Balance - p.Pending
}
