// Package ticker handles equity ticker normalisation and validation, and
// owns the set of reserved index symbols that are quoted for reference but
// never tradeable.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultReserved are the index symbols rejected at the order boundary when
// no explicit list is configured.
var DefaultReserved = []string{
	"NIFTY50", "NIFTY", "BANKNIFTY", "SENSEX",
	"^NSEI", "^BSESN", "^NSEBANK",
}

// tickerRegex matches exchange symbols such as RELIANCE, M&M, BAJAJ-AUTO or ^NSEI.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9&._-]{0,19}$`)

var (
	ErrInvalidTicker  = errors.New("ticker: invalid symbol")
	ErrReservedTicker = errors.New("ticker: index symbols are not tradeable")
)

// Normalize trims and upper-cases a symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Registry validates tickers against the symbol format and the reserved set.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	reserved map[string]struct{}
}

// NewRegistry builds a registry. A nil list uses DefaultReserved; an empty
// non-nil list reserves nothing.
func NewRegistry(reserved []string) *Registry {
	if reserved == nil {
		reserved = DefaultReserved
	}
	r := &Registry{reserved: make(map[string]struct{}, len(reserved))}
	for _, s := range reserved {
		if s = Normalize(s); s != "" {
			r.reserved[s] = struct{}{}
		}
	}
	return r
}

// IsReserved reports whether the symbol is a reference-only index.
func (r *Registry) IsReserved(symbol string) bool {
	_, ok := r.reserved[Normalize(symbol)]
	return ok
}

// Validate normalises the symbol and returns it, or an error wrapping
// ErrInvalidTicker / ErrReservedTicker.
func (r *Registry) Validate(symbol string) (string, error) {
	s := Normalize(symbol)
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, symbol)
	}
	if r.IsReserved(s) {
		return "", fmt.Errorf("%w: %s", ErrReservedTicker, s)
	}
	return s, nil
}
