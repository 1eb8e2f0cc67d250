// Package security реализует проверку допуска консультации к медиа сеансу
// по compliance политике: доступность сети, статус визита, активное шифрование.
//
// Сама проверка (Evaluate) - чистая функция без побочных эффектов. Сбор входных
// данных от внешних источников вынесен в Gate.Check. Аудит и реакция на отказ -
// ответственность вызывающей стороны.
package security

import (
	"context"

	"github.com/arzzra/televisit/pkg/consultation"
)

// Context входные данные проверки от внешних источников
type Context struct {
	EncryptionActive bool
	NetworkReachable bool
}

// Decision результат проверки: Allow или Deny(reason)
type Decision struct {
	Allowed bool
	Reason  consultation.Code
}

// Allow разрешающее решение
func Allow() Decision { return Decision{Allowed: true} }

// Deny запрещающее решение с причиной
func Deny(reason consultation.Code) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// String возвращает "allow" или "deny(<reason>)" для записи в аудит
func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny(" + d.Reason.String() + ")"
}

// Evaluate проверяет допуск. Порядок проверок фиксирован, первая неудача прерывает:
//  1. сеть доступна, иначе Deny(NetworkError)
//  2. визит не в терминальном состоянии, иначе Deny(InvalidStatus)
//  3. шифрование транспорта активно, иначе Deny(SecurityViolation)
func Evaluate(c *consultation.Consultation, ctx Context) Decision {
	if !ctx.NetworkReachable {
		return Deny(consultation.CodeNetworkError)
	}
	if c == nil || c.State.IsTerminal() {
		return Deny(consultation.CodeInvalidStatus)
	}
	if !ctx.EncryptionActive {
		return Deny(consultation.CodeSecurityViolation)
	}
	return Allow()
}

// Gate собирает контекст через Validator и выполняет Evaluate
type Gate struct {
	validator Validator
}

// NewGate создает gate поверх валидатора
func NewGate(v Validator) *Gate {
	return &Gate{validator: v}
}

// Check опрашивает внешние источники и вычисляет решение.
// Ошибки источников трактуются как отрицательный ответ (fail closed).
// Шифрование не опрашивается, если сеть недоступна.
func (g *Gate) Check(ctx context.Context, c *consultation.Consultation) (Decision, Context) {
	var in Context

	reachable, err := g.validator.IsNetworkReachable(ctx)
	in.NetworkReachable = err == nil && reachable
	if !in.NetworkReachable {
		return Evaluate(c, in), in
	}

	if c != nil {
		active, err := g.validator.IsEncryptionActive(ctx, c.ID)
		in.EncryptionActive = err == nil && active
	}

	return Evaluate(c, in), in
}
