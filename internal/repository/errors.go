package repository

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotFound возвращается, если пользователь, заявка или операция не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyResolved возвращается при повторном рассмотрении заявки.
	ErrAlreadyResolved = errors.New("payment request already resolved")
	// ErrIdempotencyConflict возвращается, если ключ идемпотентности уже использован для другой операции.
	ErrIdempotencyConflict = errors.New("idempotency key used for a different entry")
	// ErrBalanceOverflow возвращается, если зачисление превысило бы максимальный баланс.
	ErrBalanceOverflow = errors.New("balance overflow")
	// ErrStorage оборачивает ошибки хранилища. Такие операции можно повторить.
	ErrStorage = errors.New("storage failure")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// nextBalance возвращает баланс после применения delta.
func nextBalance(balance, delta int64) (int64, error) {
	if delta > 0 && balance > math.MaxInt64-delta {
		return 0, ErrBalanceOverflow
	}
	next := balance + delta
	if next < 0 {
		return 0, ErrInsufficientBalance
	}
	return next, nil
}
