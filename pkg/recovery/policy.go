package recovery

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy параметры экспоненциального отката при восстановлении связи
type Policy struct {
	BaseDelay   time.Duration // Задержка перед первой попыткой
	Multiplier  float64       // Множитель экспоненциального отката
	MaxAttempts int           // Максимальное количество попыток
	MaxDelay    time.Duration // Верхняя граница задержки (0 - без ограничения)
}

// DefaultPolicy возвращает политику по умолчанию: 2s, x2, 3 попытки
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
		MaxDelay:    30 * time.Second,
	}
}

// Validate проверяет корректность политики
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("MaxAttempts должен быть не меньше 1")
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("BaseDelay не может быть отрицательным: %s", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("Multiplier должен быть >= 1, получено %.2f", p.Multiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("MaxDelay не может быть отрицательным: %s", p.MaxDelay)
	}
	return nil
}

// Delay вычисляет задержку перед попыткой n (начиная с 1)
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Attempt состояние текущей попытки восстановления
type Attempt struct {
	Count        int       // Номер попытки (начиная с 1)
	Max          int       // Допустимое количество попыток
	NextDeadline time.Time // Момент, когда попытка будет выполнена
}

// Remaining количество попыток после текущей
func (a Attempt) Remaining() int {
	if a.Count >= a.Max {
		return 0
	}
	return a.Max - a.Count
}
