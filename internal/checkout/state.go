package checkout

import (
	"strings"

	"github.com/ariefcatur/go-realtime-storefront/internal/validate"
)

type State string

const (
	StateCart      State = "CART"
	StateShipping  State = "SHIPPING"
	StatePayment   State = "PAYMENT"
	StateConfirmed State = "CONFIRMED"
	StateClosed    State = "CLOSED"
)

var validNext = map[State]map[State]bool{
	StateCart:      {StateShipping: true, StateClosed: true},
	StateShipping:  {StatePayment: true, StateCart: true, StateClosed: true},
	StatePayment:   {StateConfirmed: true, StateShipping: true, StateClosed: true},
	StateConfirmed: {StateClosed: true},
	StateClosed:    {StateCart: true},
}

func CanTransition(from, to State) bool {
	return validNext[from][to]
}

type ShippingInfo struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"required"`
	Address string `json:"address" validate:"required"`
	City    string `json:"city" validate:"required"`
}

func (s ShippingInfo) trimmed() ShippingInfo {
	return ShippingInfo{
		Name:    strings.TrimSpace(s.Name),
		Email:   strings.TrimSpace(s.Email),
		Address: strings.TrimSpace(s.Address),
		City:    strings.TrimSpace(s.City),
	}
}

// Validate reports every field that is empty once whitespace is trimmed.
func (s ShippingInfo) Validate() error {
	return validate.Struct(s.trimmed())
}

// PaymentInfo is collected at the payment step but neither checked nor kept.
type PaymentInfo struct {
	CardHolder string `json:"cardHolder"`
	CardNumber string `json:"cardNumber"`
	Expiry     string `json:"expiry"`
	CVC        string `json:"cvc"`
}
