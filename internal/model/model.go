// Package model содержит доменные сущности ядра баланса и платёжных заявок.
package model

import "time"

// PremiumTier описывает уровень премиум-подписки пользователя.
type PremiumTier string

const (
	PremiumNone     PremiumTier = "none"
	PremiumStandard PremiumTier = "standard"
	PremiumPro      PremiumTier = "pro"
	PremiumVIP      PremiumTier = "vip"
)

// Valid сообщает, является ли уровень покупаемым (none не покупается).
func (t PremiumTier) Valid() bool {
	switch t {
	case PremiumStandard, PremiumPro, PremiumVIP:
		return true
	}
	return false
}

// Profile содержит идентификационные данные пользователя Telegram.
type Profile struct {
	UserID       int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// User представляет пользователя платформы вместе с его балансом и премиумом.
type User struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	Balance      int64
	PremiumType  PremiumTier
	PremiumUntil *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Entry описывает запрошенное изменение баланса.
// Пустой IdempotencyKey означает неидемпотентную операцию.
type Entry struct {
	UserID         int64
	Delta          int64
	Reason         string
	IdempotencyKey string
}

// Transaction описывает неизменяемую запись журнала операций по балансу.
type Transaction struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	Delta            int64     `json:"delta"`
	ResultingBalance int64     `json:"resulting_balance"`
	Reason           string    `json:"reason"`
	IdempotencyKey   string    `json:"idempotency_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// PaymentStatus описывает состояние платёжной заявки.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

// IntentKind определяет, чем завершится одобрение заявки.
type IntentKind string

const (
	IntentTopup           IntentKind = "topup"
	IntentPremiumPurchase IntentKind = "premium_purchase"
)

// Intent описывает назначение платёжной заявки. Tier и Days заполняются только для покупки премиума.
type Intent struct {
	Kind IntentKind  `json:"kind"`
	Tier PremiumTier `json:"tier,omitempty"`
	Days int         `json:"days,omitempty"`
}

// PaymentRequest описывает заявку пользователя на пополнение или покупку премиума.
type PaymentRequest struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	Amount          int64         `json:"amount"`
	ReceiptEvidence string        `json:"receipt_evidence"`
	Intent          Intent        `json:"intent"`
	Status          PaymentStatus `json:"status"`
	ResolvedBy      *int64        `json:"resolved_by,omitempty"`
	ResolutionNote  string        `json:"resolution_note,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
}

// Decision описывает решение администратора по заявке.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Resolution содержит параметры рассмотрения заявки.
type Resolution struct {
	RequestID int64
	AdminID   int64
	Decision  Decision
	Note      string
	At        time.Time
}

// TopupReference возвращает ключ идемпотентности зачисления по одобренной заявке.
func TopupReference(requestID int64) string {
	return "payment_request:" + itoa(requestID)
}

// PremiumInfo описывает текущий премиум пользователя.
type PremiumInfo struct {
	Tier   PremiumTier `json:"tier"`
	Until  *time.Time  `json:"until,omitempty"`
	Active bool        `json:"active"`
}

// PremiumPlan описывает тарифный план премиума.
type PremiumPlan struct {
	Tier              PremiumTier `json:"id"`
	Name              string      `json:"name"`
	Price             int64       `json:"price"`
	DurationDays      int         `json:"duration_days"`
	CommissionPercent int         `json:"commission_percent"`
	Features          []string    `json:"features"`
}

// Page описывает страницу выборки с общим количеством записей.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Stats содержит сводку по платформе для администратора.
type Stats struct {
	TotalUsers      int   `json:"total_users"`
	TodayUsers      int   `json:"today_users"`
	PremiumUsers    int   `json:"premium_users"`
	TotalBalance    int64 `json:"total_balance"`
	PendingRequests int   `json:"pending_requests"`
}

// Drift описывает расхождение между сохранённым балансом и суммой операций журнала.
type Drift struct {
	UserID    int64
	Balance   int64
	LedgerSum int64
}
