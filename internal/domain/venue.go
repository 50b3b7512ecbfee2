package domain

import (
	"fmt"
	"strings"
)

// Venue identifies one external execution venue.
type Venue string

const (
	VenueBinance  Venue = "binance"
	VenueOKX      Venue = "okx"
	VenueBybit    Venue = "bybit"
	VenueCoinbase Venue = "coinbase"
	VenueKraken   Venue = "kraken"
	VenuePaper    Venue = "paper"
)

// SymbolNotation describes how a venue spells trading pairs on the wire.
type SymbolNotation int

const (
	NotationConcatenated SymbolNotation = iota // BTCUSDT
	NotationHyphenated                         // BTC-USDT
	NotationSlashed                            // BTC/USDT
)

var venueNotation = map[Venue]SymbolNotation{
	VenueBinance:  NotationConcatenated,
	VenueBybit:    NotationConcatenated,
	VenueOKX:      NotationHyphenated,
	VenueCoinbase: NotationHyphenated,
	VenueKraken:   NotationSlashed,
	VenuePaper:    NotationHyphenated,
}

// knownQuotes is consulted when splitting a concatenated symbol. Longer
// suffixes come first so USDT wins over USD.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USD", "EUR", "GBP", "BTC", "ETH", "BNB"}

// AllVenues returns every known venue in a stable order.
func AllVenues() []Venue {
	return []Venue{VenueBinance, VenueOKX, VenueBybit, VenueCoinbase, VenueKraken, VenuePaper}
}

// ParseVenue validates a venue name.
func ParseVenue(s string) (Venue, error) {
	v := Venue(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := venueNotation[v]; !ok {
		return "", fmt.Errorf("unknown venue %q", s)
	}
	return v, nil
}

func (v Venue) String() string { return string(v) }

// Notation returns the venue's pair notation. Unknown venues use hyphens.
func (v Venue) Notation() SymbolNotation {
	if n, ok := venueNotation[v]; ok {
		return n
	}
	return NotationHyphenated
}

// FormatSymbol converts a symbol in any supported notation into the
// notation this venue expects.
func (v Venue) FormatSymbol(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return strings.ToUpper(symbol)
	}
	switch v.Notation() {
	case NotationConcatenated:
		return base + quote
	case NotationSlashed:
		return base + "/" + quote
	default:
		return base + "-" + quote
	}
}

// CanonicalSymbol returns the BASE-QUOTE form used as the internal key.
func CanonicalSymbol(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return strings.ToUpper(symbol)
	}
	return base + "-" + quote
}

// SplitSymbol breaks a pair into base and quote assets.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"-", "/", "_"} {
		if i := strings.Index(s, sep); i > 0 && i < len(s)-1 {
			return s[:i], s[i+1:], true
		}
	}
	for _, q := range knownQuotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q), q, true
		}
	}
	return "", "", false
}
