package reconcile

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FromMinorUnits converts a provider amount in minor units to currency units.
// The provider reports every currency in hundredths here.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// MoneyFormatter renders amounts as localized currency text for notifications.
type MoneyFormatter struct {
	printer *message.Printer
}

// NewMoneyFormatter creates a formatter for a BCP 47 locale, falling back to en-US.
func NewMoneyFormatter(locale string) *MoneyFormatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	return &MoneyFormatter{printer: message.NewPrinter(tag)}
}

// Format renders e.g. "$1,234.50" for 123450 minor units of usd.
func (f *MoneyFormatter) Format(amountMinor int64, code string) string {
	amount := FromMinorUnits(amountMinor)
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return amount.StringFixed(2) + " " + strings.ToUpper(code)
	}
	out := f.printer.Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))

	// x/text separates symbol and number with a space; drop it after a sign
	// such as "$" or "€" and keep it after a letter code such as "CHF"
	sym, num, ok := strings.Cut(out, " ")
	if ok && strings.IndexFunc(sym, unicode.IsLetter) < 0 {
		return sym + num
	}
	return out
}
