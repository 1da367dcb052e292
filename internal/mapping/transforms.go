package mapping

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TransformFunc normalizes one field value. Returning an error fails the
// whole record; returning "" drops the field.
type TransformFunc func(string) (string, error)

var titleCaser = cases.Title(language.English)

// transforms is the registry of named transforms available to mapping files.
var transforms = map[string]TransformFunc{
	"trim":        func(s string) (string, error) { return strings.TrimSpace(s), nil },
	"lower":       func(s string) (string, error) { return strings.ToLower(s), nil },
	"upper":       func(s string) (string, error) { return strings.ToUpper(s), nil },
	"titlecase":   func(s string) (string, error) { return titleCaser.String(strings.ToLower(s)), nil },
	"collapse_ws": func(s string) (string, error) { return strings.Join(strings.Fields(s), " "), nil },
	"phone_e164":  phoneE164,
	"date_iso":    dateISO,
	"zip5":        zip5,
	"state_code":  stateCode,
}

// phoneE164 normalizes North American phone numbers to +1XXXXXXXXXX.
// Numbers already carrying a country code keep it.
func phoneE164(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}

	var digits strings.Builder
	hadPlus := strings.HasPrefix(strings.TrimSpace(s), "+")
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	d := digits.String()
	switch {
	case hadPlus && len(d) >= 8:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	default:
		return "", eris.Errorf("unparseable phone number %q", s)
	}
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// dateISO normalizes a date in any accepted layout to YYYY-MM-DD.
func dateISO(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", eris.Errorf("unparseable date %q", s)
}

// zip5 reduces US postal codes to the five-digit base (ZIP+4 drops the +4).
func zip5(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	if len(s) != 5 {
		return "", eris.Errorf("unparseable zip code %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", eris.Errorf("unparseable zip code %q", s)
		}
	}
	return s, nil
}

var stateCodes = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
	"puerto rico": "PR",
}

var validStateCodes = func() map[string]bool {
	m := make(map[string]bool, len(stateCodes))
	for _, code := range stateCodes {
		m[code] = true
	}
	return m
}()

// stateCode normalizes a US state name or abbreviation to its two-letter code.
func stateCode(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", nil
	}
	if len(s) == 2 {
		code := strings.ToUpper(s)
		if validStateCodes[code] {
			return code, nil
		}
		return "", eris.Errorf("unknown state code %q", s)
	}
	if code, ok := stateCodes[strings.ToLower(s)]; ok {
		return code, nil
	}
	return "", eris.Errorf("unknown state %q", s)
}
