package parser

import (
	"regexp"
	"strconv"
	"strings"
)

const numberPattern = `\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`

const currencyPattern = `€|\$|£|\b(?:EUR|USD|GBP|NOK|SEK|DKK|CHF|PLN)\b`

var (
	symbolBefore = regexp.MustCompile(`(` + currencyPattern + `)\s*(` + numberPattern + `)`)
	symbolAfter  = regexp.MustCompile(`(` + numberPattern + `)\s*(` + currencyPattern + `)`)
	bareNumber   = regexp.MustCompile(numberPattern)
)

var currencySymbols = map[string]string{
	"€": "EUR",
	"$": "USD",
	"£": "GBP",
}

// ParsePrice returns the first currency-marked amount found in text. Amounts
// without a currency marker are accepted with defaultCurrency. A nil value
// means no price could be read.
func ParsePrice(text, defaultCurrency string) (*float64, string) {
	text = strings.NewReplacer("\u00a0", " ", "\u202f", " ").Replace(text)

	number, currency := "", ""
	start := -1

	if m := symbolBefore.FindStringSubmatchIndex(text); m != nil {
		start = m[0]
		currency = text[m[2]:m[3]]
		number = text[m[4]:m[5]]
	}
	if m := symbolAfter.FindStringSubmatchIndex(text); m != nil && (start < 0 || m[0] < start) {
		start = m[0]
		number = text[m[2]:m[3]]
		currency = text[m[4]:m[5]]
	}

	if start < 0 {
		number = bareNumber.FindString(text)
		if number == "" {
			return nil, defaultCurrency
		}
	}

	value, err := parseAmount(number)
	if err != nil {
		return nil, defaultCurrency
	}

	return &value, currencyCode(currency, defaultCurrency)
}

func currencyCode(token, defaultCurrency string) string {
	if token == "" {
		return defaultCurrency
	}
	if code, ok := currencySymbols[token]; ok {
		return code
	}
	return token
}

// parseAmount normalizes thousands and decimal separators before parsing.
func parseAmount(s string) (float64, error) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = normalizeSingleSeparator(s, ",")
	case lastDot >= 0:
		s = normalizeSingleSeparator(s, ".")
	}

	return strconv.ParseFloat(s, 64)
}

func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	idx := strings.Index(s, sep)
	if len(s)-idx-1 == 3 {
		// 1,299 or 1.299
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}
