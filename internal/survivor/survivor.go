// Package survivor decides which value wins when multiple sources disagree
// about a contact field. Precedence is tiered configuration, not code:
// manual edits outrank verified data, which outranks sources in their
// configured order.
package survivor

import (
	"time"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resolve"
)

// Policy applies the configured precedence tiers.
type Policy struct {
	cfg config.SurvivorshipConfig
}

// NewPolicy builds a policy from the tier config.
func NewPolicy(cfg config.SurvivorshipConfig) *Policy {
	return &Policy{cfg: cfg}
}

// singleFields maps canonical payload keys to contact field accessors.
var singleFields = []string{
	model.FieldFirstName, model.FieldLastName, model.FieldFullName,
	model.FieldBirthDate, model.FieldEmployer, model.FieldTitle,
}

func getField(c *model.Contact, field string) string {
	switch field {
	case model.FieldFirstName:
		return c.FirstName
	case model.FieldLastName:
		return c.LastName
	case model.FieldFullName:
		return c.FullName
	case model.FieldBirthDate:
		if c.BirthDate == nil {
			return ""
		}
		return c.BirthDate.Format("2006-01-02")
	case model.FieldEmployer:
		return c.Employer
	case model.FieldTitle:
		return c.Title
	}
	return ""
}

func setField(c *model.Contact, field, value string) {
	switch field {
	case model.FieldFirstName:
		c.FirstName = value
	case model.FieldLastName:
		c.LastName = value
	case model.FieldFullName:
		c.FullName = value
	case model.FieldBirthDate:
		if t, err := time.Parse("2006-01-02", value); err == nil {
			c.BirthDate = &t
		}
	case model.FieldEmployer:
		c.Employer = value
	case model.FieldTitle:
		c.Title = value
	}
}

// tierOfField returns the precedence tier currently backing a field.
// Fields without provenance predate tiering and lose to any known source.
func (p *Policy) tierOfField(c *model.Contact, field string) int {
	if meta, ok := c.FieldMeta[field]; ok {
		return meta.Tier
	}
	return len(p.cfg.Tiers) + 1
}

// wins reports whether an incoming value at incomingTier displaces the
// current one. Non-null beats null, a better (lower) tier wins, and tier
// ties go to the more recently verified value.
func (p *Policy) wins(c *model.Contact, field string, incomingTier int, observedAt *time.Time) bool {
	if getField(c, field) == "" {
		return true
	}
	currentTier := p.tierOfField(c, field)
	if incomingTier != currentTier {
		return incomingTier < currentTier
	}

	current := c.FieldMeta[field].VerifiedAt
	if observedAt == nil {
		return false
	}
	if current == nil {
		return true
	}
	return observedAt.After(*current)
}

// ApplyPayload folds one source payload into a contact and returns a
// FieldChange for every value that actually changed. Multi-valued contact
// points are unioned; the existing primary designation is preserved.
func (p *Policy) ApplyPayload(c *model.Contact, payload map[string]string, source, runID string, observedAt *time.Time) []model.FieldChange {
	tier := p.cfg.TierOf(source)
	var changes []model.FieldChange

	if c.FieldMeta == nil {
		c.FieldMeta = make(map[string]model.FieldProvenance)
	}

	for _, field := range singleFields {
		incoming, ok := payload[field]
		if !ok || incoming == "" {
			continue
		}
		before := getField(c, field)
		if before == incoming {
			// Same value refreshes provenance when the source outranks it.
			if tier < p.tierOfField(c, field) {
				c.FieldMeta[field] = model.FieldProvenance{Source: source, Tier: tier, VerifiedAt: observedAt}
			}
			continue
		}
		if !p.wins(c, field, tier, observedAt) {
			continue
		}

		setField(c, field, incoming)
		c.FieldMeta[field] = model.FieldProvenance{Source: source, Tier: tier, VerifiedAt: observedAt}
		changes = append(changes, model.FieldChange{
			ContactID: c.ID, RunID: runID, Field: field,
			Before: before, After: incoming,
			Cause: model.CauseImport, Source: source,
		})
	}

	changes = append(changes, p.unionContactPoints(c, payload, source, runID)...)
	c.BlockKey = resolve.BlockKey(c.LastName, primaryZip(c))
	return changes
}

func (p *Policy) unionContactPoints(c *model.Contact, payload map[string]string, source, runID string) []model.FieldChange {
	var changes []model.FieldChange

	if email := resolve.NormalizeEmail(payload["email"]); email != "" {
		if !hasEmail(c, email) {
			c.Emails = append(c.Emails, model.ContactEmail{
				ContactID: c.ID, Email: email, IsPrimary: !hasPrimaryEmail(c), Source: source,
			})
			changes = append(changes, model.FieldChange{
				ContactID: c.ID, RunID: runID, Field: "email",
				After: email, Cause: model.CauseImport, Source: source,
			})
		}
	}

	if phone := resolve.NormalizePhone(payload["phone"]); phone != "" {
		if !hasPhone(c, phone) {
			c.Phones = append(c.Phones, model.ContactPhone{
				ContactID: c.ID, Phone: phone, IsPrimary: !hasPrimaryPhone(c), Source: source,
			})
			changes = append(changes, model.FieldChange{
				ContactID: c.ID, RunID: runID, Field: "phone",
				After: phone, Cause: model.CauseImport, Source: source,
			})
		}
	}

	if addr := addressFromPayload(payload, source); addr != nil {
		if !hasAddress(c, addr) {
			addr.ContactID = c.ID
			addr.IsPrimary = !hasPrimaryAddress(c)
			c.Addresses = append(c.Addresses, *addr)
			changes = append(changes, model.FieldChange{
				ContactID: c.ID, RunID: runID, Field: "address",
				After: addr.Street + ", " + addr.City, Cause: model.CauseImport, Source: source,
			})
		}
	}
	return changes
}

func addressFromPayload(payload map[string]string, source string) *model.ContactAddress {
	street, city := payload["street"], payload["city"]
	if street == "" && city == "" {
		return nil
	}
	return &model.ContactAddress{
		Street:  street,
		City:    city,
		State:   payload["state"],
		ZipCode: payload["zip"],
		Country: payload["country"],
		Source:  source,
	}
}

func hasEmail(c *model.Contact, email string) bool {
	for _, e := range c.Emails {
		if resolve.NormalizeEmail(e.Email) == email {
			return true
		}
	}
	return false
}

func hasPhone(c *model.Contact, phone string) bool {
	for _, p := range c.Phones {
		if resolve.NormalizePhone(p.Phone) == phone {
			return true
		}
	}
	return false
}

func hasAddress(c *model.Contact, a *model.ContactAddress) bool {
	for _, e := range c.Addresses {
		if resolve.NormalizeName(e.Street) == resolve.NormalizeName(a.Street) &&
			e.ZipCode == a.ZipCode {
			return true
		}
	}
	return false
}

func hasPrimaryEmail(c *model.Contact) bool {
	for _, e := range c.Emails {
		if e.IsPrimary {
			return true
		}
	}
	return false
}

func hasPrimaryPhone(c *model.Contact) bool {
	for _, p := range c.Phones {
		if p.IsPrimary {
			return true
		}
	}
	return false
}

func hasPrimaryAddress(c *model.Contact) bool {
	for _, a := range c.Addresses {
		if a.IsPrimary {
			return true
		}
	}
	return false
}

func primaryZip(c *model.Contact) string {
	for _, a := range c.Addresses {
		if a.IsPrimary {
			return a.ZipCode
		}
	}
	if len(c.Addresses) > 0 {
		return c.Addresses[0].ZipCode
	}
	return ""
}

// Decision records which side won one field during a merge, for the merge
// record's audit payload.
type Decision struct {
	Field  string `json:"field"`
	Winner string `json:"winner"` // survivor or absorbed
	Reason string `json:"reason"`
}

// MergeContacts folds the absorbed contact into the survivor using the same
// tier rules, unions contact points, and reports per-field decisions plus
// the field changes the merge caused.
func (p *Policy) MergeContacts(survivor, absorbed *model.Contact, runID string) ([]model.FieldChange, []Decision) {
	var changes []model.FieldChange
	var decisions []Decision

	if survivor.FieldMeta == nil {
		survivor.FieldMeta = make(map[string]model.FieldProvenance)
	}

	for _, field := range singleFields {
		sv, av := getField(survivor, field), getField(absorbed, field)
		if av == "" || sv == av {
			continue
		}

		absorbedTier := p.tierOfField(absorbed, field)
		absorbedAt := absorbed.FieldMeta[field].VerifiedAt
		if sv != "" && !p.wins(survivor, field, absorbedTier, absorbedAt) {
			decisions = append(decisions, Decision{Field: field, Winner: "survivor", Reason: "higher precedence"})
			continue
		}

		setField(survivor, field, av)
		meta := absorbed.FieldMeta[field]
		if meta.Source == "" {
			meta = model.FieldProvenance{Tier: absorbedTier}
		}
		survivor.FieldMeta[field] = meta
		reason := "absorbed value filled empty field"
		if sv != "" {
			reason = "higher precedence"
		}
		decisions = append(decisions, Decision{Field: field, Winner: "absorbed", Reason: reason})
		changes = append(changes, model.FieldChange{
			ContactID: survivor.ID, RunID: runID, Field: field,
			Before: sv, After: av, Cause: model.CauseMerge, Source: meta.Source,
		})
	}

	for _, e := range absorbed.Emails {
		norm := resolve.NormalizeEmail(e.Email)
		if !hasEmail(survivor, norm) {
			survivor.Emails = append(survivor.Emails, model.ContactEmail{
				ContactID: survivor.ID, Email: norm,
				IsPrimary: !hasPrimaryEmail(survivor), Source: e.Source,
			})
			changes = append(changes, model.FieldChange{
				ContactID: survivor.ID, RunID: runID, Field: "email",
				After: norm, Cause: model.CauseMerge, Source: e.Source,
			})
		}
	}
	for _, ph := range absorbed.Phones {
		norm := resolve.NormalizePhone(ph.Phone)
		if norm != "" && !hasPhone(survivor, norm) {
			survivor.Phones = append(survivor.Phones, model.ContactPhone{
				ContactID: survivor.ID, Phone: norm,
				IsPrimary: !hasPrimaryPhone(survivor), Source: ph.Source,
			})
			changes = append(changes, model.FieldChange{
				ContactID: survivor.ID, RunID: runID, Field: "phone",
				After: norm, Cause: model.CauseMerge, Source: ph.Source,
			})
		}
	}
	for _, a := range absorbed.Addresses {
		addr := a
		if !hasAddress(survivor, &addr) {
			addr.ContactID = survivor.ID
			addr.ID = 0
			addr.IsPrimary = !hasPrimaryAddress(survivor)
			survivor.Addresses = append(survivor.Addresses, addr)
			changes = append(changes, model.FieldChange{
				ContactID: survivor.ID, RunID: runID, Field: "address",
				After: addr.Street + ", " + addr.City, Cause: model.CauseMerge, Source: addr.Source,
			})
		}
	}

	survivor.BlockKey = resolve.BlockKey(survivor.LastName, primaryZip(survivor))
	return changes, decisions
}
