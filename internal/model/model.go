// Package model содержит доменные сущности сервиса ReHome.
package model

import "time"

// User представляет пользователя, аутентифицированного по OTP.
// В поле Email хранится либо email, либо номер телефона — так
// исторически устроена схема, нормализация не выполняется.
type User struct {
	ID        int64
	Username  string
	Email     string
	CreatedAt time.Time
}

// TransactionKind описывает тип операции в кредитном журнале.
type TransactionKind string

const (
	TransactionAdd TransactionKind = "add"
	TransactionUse TransactionKind = "use"
)

// CreditTransaction описывает неизменяемую запись кредитного журнала.
// Баланс пользователя — сумма add минус сумма use, вычисляется при чтении.
type CreditTransaction struct {
	ID          int64
	UserID      int64
	Amount      int64
	Kind        TransactionKind
	Description string
	CreatedAt   time.Time
}

// OTPCode описывает одноразовый код подтверждения.
type OTPCode struct {
	ID           int64
	PhoneOrEmail string
	Code         string
	IsUsed       bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Package описывает пакет кредитов, доступный для покупки.
type Package struct {
	ID       int64
	Name     string
	Credits  int64
	Price    int64
	IsActive bool
}

// OrderStatus описывает статус платёжного заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order описывает заказ на покупку пакета кредитов и данные счёта QPay.
type Order struct {
	ID              int64
	UserID          int64
	PackageID       int64
	Amount          int64
	Status          OrderStatus
	QPayInvoiceID   string
	QPayInvoiceCode string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GeneratedImage описывает результат генерации интерьера.
// Поля OriginalImage и GeneratedImage содержат пути относительно media-каталога.
type GeneratedImage struct {
	ID             int64
	UserID         int64
	OriginalImage  string
	GeneratedImage string
	Style          string
	RoomType       string
	Description    string
	CreatedAt      time.Time
}
