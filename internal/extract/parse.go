package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dateLayouts covers the formats vendors actually print. Order matters:
// unambiguous layouts first.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02.01.2006",
}

var (
	amountRe   = regexp.MustCompile(`^\(?\$?\s*-?\d{1,3}(?:,\d{3})*(?:\.\d{1,4})?\)?$|^\(?\$?\s*-?\d+(?:\.\d{1,4})?\)?$`)
	quantityRe = regexp.MustCompile(`^\d{1,6}(?:\.\d{1,3})?$`)
	currencyRe = regexp.MustCompile(`^(USD|CAD|EUR|GBP|AUD|MXN|JPY)$`)
)

// parseValue parses raw text as the given kind. A parse failure returns
// ok=false and the candidate earns no format-parse evidence.
func parseValue(kind ValueKind, raw string) (Value, bool) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case KindDate:
		if t, ok := parseDate(raw); ok {
			return Value{Kind: KindDate, Text: raw, Date: t}, true
		}
	case KindCurrency:
		if d, ok := parseAmount(raw); ok {
			return Value{Kind: KindCurrency, Text: raw, Amount: d}, true
		}
	case KindNumber:
		if quantityRe.MatchString(raw) {
			n, err := strconv.ParseFloat(raw, 64)
			if err == nil {
				return Value{Kind: KindNumber, Text: raw, Number: n}, true
			}
		}
	case KindString:
		if raw != "" {
			return Value{Kind: KindString, Text: raw}, true
		}
	}
	return Value{Kind: kind, Text: raw}, false
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseAmount parses a currency amount; parentheses denote negatives on
// credit memo lines.
func parseAmount(raw string) (decimal.Decimal, bool) {
	if !amountRe.MatchString(raw) {
		return decimal.Zero, false
	}
	neg := strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")")
	cleaned := strings.NewReplacer("$", "", ",", "", "(", "", ")", "", " ", "").Replace(raw)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// looksLikeAmount reports whether a token could be a money value at all,
// used to pick line columns before full parsing.
func looksLikeAmount(raw string) bool {
	return amountRe.MatchString(strings.TrimSpace(raw))
}

// looksLikeCurrencyCode matches ISO currency codes.
func looksLikeCurrencyCode(raw string) bool {
	return currencyRe.MatchString(strings.ToUpper(strings.TrimSpace(raw)))
}

// ambiguousChars counts characters commonly confused by OCR (0/O, 1/l/I,
// 5/S, 8/B); the tie-break prefers the reading with fewer of them.
func ambiguousChars(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case '0', 'O', 'o', '1', 'l', 'I', '5', 'S', '8', 'B':
			n++
		}
	}
	return n
}

// FormatAnomaly reports whether an invoice number looks unusual (too short
// or free of digits) for the soft validation finding.
func FormatAnomaly(invoiceNumber string) (string, bool) {
	s := strings.TrimSpace(invoiceNumber)
	if len(s) < 3 {
		return "invoice number shorter than 3 characters", true
	}
	hasDigit := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			hasDigit = true
			break
		}
	}
	if !hasDigit {
		return fmt.Sprintf("invoice number %q contains no digits", s), true
	}
	return "", false
}
