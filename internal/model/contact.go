package model

import "time"

// Contact is the canonical person record. Single-valued fields carry a
// provenance tier and verified timestamp so survivorship can compare them;
// emails, phones, and addresses are multi-valued children with a designated
// primary.
type Contact struct {
	ID          int64      `json:"id" db:"id"`
	FirstName   string     `json:"first_name,omitempty" db:"first_name"`
	LastName    string     `json:"last_name,omitempty" db:"last_name"`
	FullName    string     `json:"full_name,omitempty" db:"full_name"`
	BirthDate   *time.Time `json:"birth_date,omitempty" db:"birth_date"`
	Employer    string     `json:"employer,omitempty" db:"employer"`
	Title       string     `json:"title,omitempty" db:"title"`
	DoNotContact bool      `json:"do_not_contact" db:"do_not_contact"`

	Emails    []ContactEmail   `json:"emails,omitempty" db:"-"`
	Phones    []ContactPhone   `json:"phones,omitempty" db:"-"`
	Addresses []ContactAddress `json:"addresses,omitempty" db:"-"`

	// Survivorship metadata for single-valued fields, keyed by field name.
	FieldMeta map[string]FieldProvenance `json:"field_meta,omitempty" db:"field_meta"`

	// BlockKey is the fuzzy-matching blocking key maintained on every write.
	BlockKey string `json:"block_key,omitempty" db:"block_key"`

	MergedInto *int64     `json:"merged_into,omitempty" db:"merged_into"`
	LastRunID  *string    `json:"last_run_id,omitempty" db:"last_run_id"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// FieldProvenance records where a single-valued field's current value came
// from, for survivorship tie-breaking.
type FieldProvenance struct {
	Source     string     `json:"source"`
	Tier       int        `json:"tier"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// ContactEmail is one email address attached to a contact.
type ContactEmail struct {
	ID         int64     `json:"id" db:"id"`
	ContactID  int64     `json:"contact_id" db:"contact_id"`
	Email      string    `json:"email" db:"email"`           // normalized, lowercase
	IsPrimary  bool      `json:"is_primary" db:"is_primary"`
	Source     string    `json:"source,omitempty" db:"source"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ContactPhone is one phone number attached to a contact.
type ContactPhone struct {
	ID        int64     `json:"id" db:"id"`
	ContactID int64     `json:"contact_id" db:"contact_id"`
	Phone     string    `json:"phone" db:"phone"` // E.164-normalized
	IsPrimary bool      `json:"is_primary" db:"is_primary"`
	Source    string    `json:"source,omitempty" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ContactAddress is one postal address attached to a contact.
type ContactAddress struct {
	ID        int64     `json:"id" db:"id"`
	ContactID int64     `json:"contact_id" db:"contact_id"`
	Street    string    `json:"street,omitempty" db:"street"`
	City      string    `json:"city,omitempty" db:"city"`
	State     string    `json:"state,omitempty" db:"state"`
	ZipCode   string    `json:"zip_code,omitempty" db:"zip_code"`
	Country   string    `json:"country,omitempty" db:"country"`
	IsPrimary bool      `json:"is_primary" db:"is_primary"`
	Source    string    `json:"source,omitempty" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Entity types known to the identity map.
const (
	EntityContact = "contact"
)

// Single-valued contact fields addressable by survivorship and the field
// change audit trail.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldFullName  = "full_name"
	FieldBirthDate = "birth_date"
	FieldEmployer  = "employer"
	FieldTitle     = "title"
)
