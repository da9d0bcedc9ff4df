package evidence

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var (
	numberPattern = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?`)

	dmyPattern = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{2,4})[ ,]+(\d{1,2}):(\d{2})(?::(\d{2}))?`)
	isoPattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})[ T](\d{2}):(\d{2})(?::(\d{2}))?`)
	// Month names are matched against a lowercased copy of the text.
	namedPattern = regexp.MustCompile(`(\d{1,2})\s*(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec|ม\.ค\.|ก\.พ\.|มี\.ค\.|เม\.ย\.|พ\.ค\.|มิ\.ย\.|ก\.ค\.|ส\.ค\.|ก\.ย\.|ต\.ค\.|พ\.ย\.|ธ\.ค\.)[a-z]*\.?\s*(\d{2,4})\s*[,-]?\s*(\d{1,2}):(\d{2})(?::(\d{2}))?`)

	currencyBefore = []string{"฿", "thb", "บาท", "amount", "จำนวนเงิน", "จำนวน", "total", "ยอด"}
	currencyAfter  = []string{"บาท", "thb", "baht", "฿", ".-"}
)

var monthNumbers = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	"ม.ค.": time.January, "ก.พ.": time.February, "มี.ค.": time.March, "เม.ย.": time.April,
	"พ.ค.": time.May, "มิ.ย.": time.June, "ก.ค.": time.July, "ส.ค.": time.August,
	"ก.ย.": time.September, "ต.ค.": time.October, "พ.ย.": time.November, "ธ.ค.": time.December,
}

// maxAmountDigits excludes account numbers, phone numbers and references.
const maxAmountDigits = 7

// ParseAmounts returns currency-like numbers found in text, currency-tagged
// ones first, each group in order of appearance. Dates, times and long
// digit runs are ignored.
func ParseAmounts(text string) []float64 {
	text = maskTimestamps(strings.ToLower(text))

	var tagged, plain []float64
	seen := make(map[float64]bool)
	for _, loc := range numberPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if !standalone(text, start, end) {
			continue
		}
		raw := strings.ReplaceAll(text[start:end], ",", "")
		intPart := raw
		if i := strings.IndexByte(raw, '.'); i >= 0 {
			intPart = raw[:i]
		}
		if len(intPart) > maxAmountDigits {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		if currencyTagged(text, start, end) {
			tagged = append(tagged, v)
		} else {
			plain = append(plain, v)
		}
	}
	return append(tagged, plain...)
}

// standalone rejects numbers glued to letters, digits or date/time separators,
// such as "INV1699999999", "12:30" or "080-843-2571".
func standalone(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("/:-_.", r) {
			return false
		}
	}
	if end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if unicode.IsDigit(r) || strings.ContainsRune("/:_", r) {
			return false
		}
		if r == '-' {
			// "80.-" is a common price notation; "080-843" is not.
			if !strings.HasPrefix(text[end:], ".-") && end+size < len(text) {
				next, _ := utf8.DecodeRuneInString(text[end+size:])
				if unicode.IsDigit(next) {
					return false
				}
			}
		}
		if unicode.IsLetter(r) && !hasAnyPrefix(text[end:], currencyAfter) {
			return false
		}
	}
	return true
}

func currencyTagged(text string, start, end int) bool {
	before := strings.TrimRight(text[max(0, start-24):start], " :\t")
	after := strings.TrimLeft(text[end:], " \t")
	for _, tag := range currencyBefore {
		if strings.HasSuffix(before, tag) {
			return true
		}
	}
	return hasAnyPrefix(after, currencyAfter)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ParseTimestamp returns the first transfer time printed in text,
// interpreted in loc. Buddhist-era years are converted.
func ParseTimestamp(text string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	lower := strings.ToLower(text)

	type candidate struct {
		at    int
		value time.Time
	}
	var best *candidate
	consider := func(at int, t time.Time, ok bool) {
		if ok && (best == nil || at < best.at) {
			best = &candidate{at: at, value: t}
		}
	}

	if m := dmyPattern.FindStringSubmatchIndex(lower); m != nil {
		g := submatches(lower, m)
		t, ok := buildTime(g[3], atoi(g[2]), g[1], g[4], g[5], g[6], false, loc)
		consider(m[0], t, ok)
	}
	if m := isoPattern.FindStringSubmatchIndex(lower); m != nil {
		g := submatches(lower, m)
		t, ok := buildTime(g[1], atoi(g[2]), g[3], g[4], g[5], g[6], false, loc)
		consider(m[0], t, ok)
	}
	if m := namedPattern.FindStringSubmatchIndex(lower); m != nil {
		g := submatches(lower, m)
		month, known := monthNumbers[g[2]]
		if known {
			thai := strings.Contains(g[2], ".")
			t, ok := buildTime(g[3], int(month), g[1], g[4], g[5], g[6], thai, loc)
			consider(m[0], t, ok)
		}
	}
	if best == nil {
		return time.Time{}, false
	}
	return best.value, true
}

func buildTime(year string, month int, day, hour, minute, second string, thai bool, loc *time.Location) (time.Time, bool) {
	y := atoi(year)
	if len(year) == 2 {
		if thai || y >= 60 {
			// Two-digit Thai years are Buddhist era: "67" is 2567.
			y += 2500
		} else {
			y += 2000
		}
	}
	if y > 2400 {
		y -= 543
	}
	d, h, mi, s := atoi(day), atoi(hour), atoi(minute), atoi(second)
	if month < 1 || month > 12 || d < 1 || d > 31 || h > 23 || mi > 59 || s > 59 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(month), d, h, mi, s, 0, loc)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func maskTimestamps(text string) string {
	for _, p := range []*regexp.Regexp{dmyPattern, isoPattern, namedPattern} {
		text = p.ReplaceAllStringFunc(text, func(s string) string {
			return strings.Repeat(" ", len(s))
		})
	}
	return text
}

func submatches(s string, m []int) []string {
	out := make([]string, len(m)/2)
	for i := range out {
		if m[2*i] >= 0 {
			out[i] = s[m[2*i]:m[2*i+1]]
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
