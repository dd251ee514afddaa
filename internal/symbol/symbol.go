// Package symbol handles trading pair parsing, validation and normalisation.
// Accepted forms: BTC/USDT, BTC-USDT, BTC_USDT and concatenated BTCUSDT when
// the quote is a known settlement asset.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Known quote assets, longest first so BTCUSDT resolves to USDT, not USD.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "EUR", "USD", "BTC", "ETH"}

// separatedRegex matches: {base}{sep}{quote} with sep in / - _
// Example: BTC/USDT
var separatedRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})[/\-_]([A-Z0-9]{2,12})$`)

var concatRegex = regexp.MustCompile(`^[A-Z0-9]{4,24}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid trading pair")
	ErrSameAsset     = errors.New("symbol: base and quote must differ")
)

// Pair is a parsed trading pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE/QUOTE form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Parse parses and validates a trading pair string.
func Parse(raw string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))

	if m := separatedRegex.FindStringSubmatch(s); m != nil {
		if m[1] == m[2] {
			return Pair{}, fmt.Errorf("%w: %s", ErrSameAsset, raw)
		}
		return Pair{Base: m[1], Quote: m[2]}, nil
	}

	if concatRegex.MatchString(s) {
		for _, q := range knownQuotes {
			if strings.HasSuffix(s, q) && len(s) > len(q)+1 {
				return Pair{Base: strings.TrimSuffix(s, q), Quote: q}, nil
			}
		}
	}

	return Pair{}, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidSymbol, raw)
}

// Normalize returns the canonical form of a pair string.
func Normalize(raw string) (string, error) {
	p, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// Base returns the base asset of a pair, or the upper-cased input when it
// cannot be parsed.
func Base(raw string) string {
	p, err := Parse(raw)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(raw))
	}
	return p.Base
}
