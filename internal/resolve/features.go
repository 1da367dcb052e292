package resolve

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Feature names referenced by the matching weight config.
const (
	FeatureName          = "name"
	FeatureDOB           = "dob"
	FeatureAddress       = "address"
	FeatureEmployer      = "employer"
	FeatureContactHandle = "contact_handle"
)

// Candidate payload fields the features read.
const (
	fieldFirstName = "first_name"
	fieldLastName  = "last_name"
	fieldFullName  = "full_name"
	fieldBirthDate = "birth_date"
	fieldEmployer  = "employer"
	fieldEmail     = "email"
	fieldPhone     = "phone"
	fieldStreet    = "street"
	fieldCity      = "city"
	fieldState     = "state"
	fieldZip       = "zip"
)

// employerSuffixes are legal entity suffixes stripped before comparing
// employer names.
var employerSuffixes = []string{
	" llc", " l.l.c.", " inc", " inc.", " incorporated", " corp", " corp.",
	" corporation", " ltd", " ltd.", " limited", " co", " co.", " plc", " pllc",
}

func normalizeEmployer(s string) string {
	s = NormalizeName(s)
	for _, suffix := range employerSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	return strings.TrimSpace(s)
}

func stringSim(a, b string) float64 {
	return levenshtein.Similarity(a, b, nil)
}

// tokenJaccard is token-set overlap, order-insensitive, so "Ada Lovelace"
// and "Lovelace, Ada" still score 1.0.
func tokenJaccard(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	union := len(set)
	inter := 0
	for _, t := range tb {
		if set[t] {
			inter++
			set[t] = false
			continue
		}
		union++
	}
	return float64(inter) / float64(union)
}

func nameSim(a, b string) float64 {
	lev := stringSim(a, b)
	jac := tokenJaccard(a, b)
	if jac > lev {
		return jac
	}
	return lev
}

// payloadName assembles the comparable name string from a clean payload.
func payloadName(p map[string]string) string {
	if full := p[fieldFullName]; full != "" {
		return NormalizeName(full)
	}
	return NormalizeName(strings.TrimSpace(p[fieldFirstName] + " " + p[fieldLastName]))
}

func contactName(c *model.Contact) string {
	if c.FullName != "" {
		return NormalizeName(c.FullName)
	}
	return NormalizeName(strings.TrimSpace(c.FirstName + " " + c.LastName))
}

func payloadAddress(p map[string]string) string {
	parts := []string{p[fieldStreet], p[fieldCity], p[fieldState], p[fieldZip]}
	return NormalizeName(strings.TrimSpace(strings.Join(parts, " ")))
}

func contactAddress(c *model.Contact) string {
	var a *model.ContactAddress
	for i := range c.Addresses {
		if c.Addresses[i].IsPrimary {
			a = &c.Addresses[i]
			break
		}
	}
	if a == nil && len(c.Addresses) > 0 {
		a = &c.Addresses[0]
	}
	if a == nil {
		return ""
	}
	return NormalizeName(strings.TrimSpace(strings.Join(
		[]string{a.Street, a.City, a.State, a.ZipCode}, " ")))
}

// handleSim compares contact handles: exact normalized email or phone is a
// perfect score; otherwise the best email string similarity stands in.
func handleSim(p map[string]string, c *model.Contact) (float64, bool) {
	email := NormalizeEmail(p[fieldEmail])
	phone := NormalizePhone(p[fieldPhone])
	if email == "" && phone == "" {
		return 0, false
	}
	if len(c.Emails) == 0 && len(c.Phones) == 0 {
		return 0, false
	}

	best := 0.0
	for _, e := range c.Emails {
		if email == "" {
			break
		}
		if NormalizeEmail(e.Email) == email {
			return 1, true
		}
		if sim := stringSim(email, NormalizeEmail(e.Email)); sim > best {
			best = sim
		}
	}
	for _, ph := range c.Phones {
		if phone != "" && NormalizePhone(ph.Phone) == phone {
			return 1, true
		}
	}
	return best, true
}

// dobSim scores birth dates: exact ISO match is perfect, a near miss (one
// edited character, e.g. a transposed digit or off-by-one day) scores half,
// anything else zero.
func dobSim(a, b string) float64 {
	if a == b {
		return 1
	}
	if levenshtein.Distance(a, b, nil) <= 1 {
		return 0.5
	}
	return 0
}

// Score computes the weighted similarity of a clean payload against an
// existing contact. Features absent on either side drop out of the
// numerator and the denominator, but the denominator never falls below
// minEvidence: a record that only carries a sliver of feature weight
// cannot score as a confident match on that sliver alone. The final score
// is capped at 1.0.
func Score(payload map[string]string, c *model.Contact, weights map[string]float64, minEvidence float64) (float64, []model.FeatureScore) {
	type feature struct {
		name string
		eval func() (float64, bool)
	}

	features := []feature{
		{FeatureName, func() (float64, bool) {
			a, b := payloadName(payload), contactName(c)
			if a == "" || b == "" {
				return 0, false
			}
			return nameSim(a, b), true
		}},
		{FeatureDOB, func() (float64, bool) {
			a := payload[fieldBirthDate]
			if a == "" || c.BirthDate == nil {
				return 0, false
			}
			return dobSim(a, c.BirthDate.Format("2006-01-02")), true
		}},
		{FeatureAddress, func() (float64, bool) {
			a, b := payloadAddress(payload), contactAddress(c)
			if a == "" || b == "" {
				return 0, false
			}
			return stringSim(a, b), true
		}},
		{FeatureEmployer, func() (float64, bool) {
			a, b := normalizeEmployer(payload[fieldEmployer]), normalizeEmployer(c.Employer)
			if a == "" || b == "" {
				return 0, false
			}
			return nameSim(a, b), true
		}},
		{FeatureContactHandle, func() (float64, bool) {
			return handleSim(payload, c)
		}},
	}

	var scores []model.FeatureScore
	var weighted, totalWeight float64
	for _, f := range features {
		w := weights[f.name]
		if w <= 0 {
			continue
		}
		raw, present := f.eval()
		if !present {
			continue
		}
		contribution := raw * w
		weighted += contribution
		totalWeight += w
		scores = append(scores, model.FeatureScore{
			Feature: f.name, Raw: raw, Weight: w, Contribution: contribution,
		})
	}

	if totalWeight == 0 {
		return 0, scores
	}
	denom := totalWeight
	if denom < minEvidence {
		denom = minEvidence
	}
	score := weighted / denom
	if score > 1 {
		score = 1
	}
	return score, scores
}
