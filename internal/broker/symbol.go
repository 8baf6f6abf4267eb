package broker

import "strings"

// NormalizeSymbol uppercases a symbol and strips everything that is not a
// letter or digit, so "btc/usdt", "BTC-USDT" and "BTCUSDT" all converge on
// "BTCUSDT". Idempotent: normalizing an already-normalized symbol is a
// no-op.
func NormalizeSymbol(symbol string) string {
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range strings.ToUpper(symbol) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasQuoteSeparator reports whether the raw (pre-normalization) symbol spells
// out a quote currency with a separator, e.g. "BTC/USDT" or "ETH-EUR". Used
// by adapter resolution to route crypto-style symbols.
func HasQuoteSeparator(symbol string) bool {
	return strings.ContainsAny(symbol, "/-_")
}
