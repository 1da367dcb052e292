package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/db"
	"github.com/sells-group/ingest-cli/internal/model"
)

const contactColumns = `id, first_name, last_name, full_name, birth_date, employer, title,
	do_not_contact, field_meta, block_key, merged_into, last_run_id, created_at, updated_at`

func (s *PostgresStore) GetContact(ctx context.Context, id int64) (*model.Contact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM ingest.contacts WHERE id = $1`, id)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get contact %d", id)
	}

	if err := s.loadContactChildren(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) loadContactChildren(ctx context.Context, c *model.Contact) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, contact_id, email, is_primary, source, created_at
		 FROM ingest.contact_emails WHERE contact_id = $1 ORDER BY id`, c.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load contact emails")
	}
	for rows.Next() {
		var e model.ContactEmail
		if err := rows.Scan(&e.ID, &e.ContactID, &e.Email, &e.IsPrimary, &e.Source, &e.CreatedAt); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan contact email")
		}
		c.Emails = append(c.Emails, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate contact emails")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, contact_id, phone, is_primary, source, created_at
		 FROM ingest.contact_phones WHERE contact_id = $1 ORDER BY id`, c.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load contact phones")
	}
	for rows.Next() {
		var p model.ContactPhone
		if err := rows.Scan(&p.ID, &p.ContactID, &p.Phone, &p.IsPrimary, &p.Source, &p.CreatedAt); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan contact phone")
		}
		c.Phones = append(c.Phones, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate contact phones")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, contact_id, street, city, state, zip_code, country, is_primary, source, created_at
		 FROM ingest.contact_addresses WHERE contact_id = $1 ORDER BY id`, c.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load contact addresses")
	}
	defer rows.Close()
	for rows.Next() {
		var a model.ContactAddress
		if err := rows.Scan(&a.ID, &a.ContactID, &a.Street, &a.City, &a.State, &a.ZipCode,
			&a.Country, &a.IsPrimary, &a.Source, &a.CreatedAt); err != nil {
			return eris.Wrap(err, "postgres: scan contact address")
		}
		c.Addresses = append(c.Addresses, a)
	}
	return eris.Wrap(rows.Err(), "postgres: iterate contact addresses")
}

// SaveContact inserts a contact when ID is zero, otherwise updates it.
// Children are replaced wholesale; the contact is the unit of write.
func (s *PostgresStore) SaveContact(ctx context.Context, c *model.Contact) error {
	metaJSON, err := json.Marshal(c.FieldMeta)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal field meta")
	}

	now := time.Now().UTC()
	if c.ID == 0 {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO ingest.contacts
			 (first_name, last_name, full_name, birth_date, employer, title, do_not_contact,
			  field_meta, block_key, merged_into, last_run_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			 RETURNING id, created_at`,
			c.FirstName, c.LastName, c.FullName, c.BirthDate, c.Employer, c.Title, c.DoNotContact,
			metaJSON, c.BlockKey, c.MergedInto, c.LastRunID, now,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "postgres: insert contact")
		}
	} else {
		tag, err := s.pool.Exec(ctx,
			`UPDATE ingest.contacts
			 SET first_name = $1, last_name = $2, full_name = $3, birth_date = $4, employer = $5,
			     title = $6, do_not_contact = $7, field_meta = $8, block_key = $9, merged_into = $10,
			     last_run_id = $11, updated_at = $12
			 WHERE id = $13`,
			c.FirstName, c.LastName, c.FullName, c.BirthDate, c.Employer, c.Title, c.DoNotContact,
			metaJSON, c.BlockKey, c.MergedInto, c.LastRunID, now, c.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update contact %d", c.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("contact not found: %d", c.ID)
		}
	}
	c.UpdatedAt = now

	return s.replaceContactChildren(ctx, c)
}

func (s *PostgresStore) replaceContactChildren(ctx context.Context, c *model.Contact) error {
	for _, table := range []string{"contact_emails", "contact_phones", "contact_addresses"} {
		if _, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM ingest.%s WHERE contact_id = $1`, table), c.ID); err != nil {
			return eris.Wrapf(err, "postgres: clear %s", table)
		}
	}

	if len(c.Emails) > 0 {
		rows := make([][]any, 0, len(c.Emails))
		for _, e := range c.Emails {
			rows = append(rows, []any{c.ID, e.Email, e.IsPrimary, e.Source})
		}
		if _, err := db.CopyFromSchema(ctx, s.pool, "ingest", "contact_emails",
			[]string{"contact_id", "email", "is_primary", "source"}, rows); err != nil {
			return eris.Wrap(err, "postgres: insert contact emails")
		}
	}
	if len(c.Phones) > 0 {
		rows := make([][]any, 0, len(c.Phones))
		for _, p := range c.Phones {
			rows = append(rows, []any{c.ID, p.Phone, p.IsPrimary, p.Source})
		}
		if _, err := db.CopyFromSchema(ctx, s.pool, "ingest", "contact_phones",
			[]string{"contact_id", "phone", "is_primary", "source"}, rows); err != nil {
			return eris.Wrap(err, "postgres: insert contact phones")
		}
	}
	if len(c.Addresses) > 0 {
		rows := make([][]any, 0, len(c.Addresses))
		for _, a := range c.Addresses {
			rows = append(rows, []any{c.ID, a.Street, a.City, a.State, a.ZipCode, a.Country, a.IsPrimary, a.Source})
		}
		if _, err := db.CopyFromSchema(ctx, s.pool, "ingest", "contact_addresses",
			[]string{"contact_id", "street", "city", "state", "zip_code", "country", "is_primary", "source"}, rows); err != nil {
			return eris.Wrap(err, "postgres: insert contact addresses")
		}
	}
	return nil
}

func (s *PostgresStore) FindContactIDsByEmail(ctx context.Context, email string) ([]int64, error) {
	return s.findContactIDs(ctx,
		`SELECT DISTINCT e.contact_id FROM ingest.contact_emails e
		 JOIN ingest.contacts c ON c.id = e.contact_id
		 WHERE e.email = $1 AND c.merged_into IS NULL`, email)
}

func (s *PostgresStore) FindContactIDsByPhone(ctx context.Context, phone string) ([]int64, error) {
	return s.findContactIDs(ctx,
		`SELECT DISTINCT p.contact_id FROM ingest.contact_phones p
		 JOIN ingest.contacts c ON c.id = p.contact_id
		 WHERE p.phone = $1 AND c.merged_into IS NULL`, phone)
}

func (s *PostgresStore) FindContactIDsByBlockKey(ctx context.Context, key string) ([]int64, error) {
	return s.findContactIDs(ctx,
		`SELECT id FROM ingest.contacts WHERE block_key = $1 AND merged_into IS NULL`, key)
}

func (s *PostgresStore) findContactIDs(ctx context.Context, query string, arg any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find contact ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: find contact ids iterate")
}

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	var metaJSON []byte

	if err := row.Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.FullName, &c.BirthDate, &c.Employer, &c.Title,
		&c.DoNotContact, &metaJSON, &c.BlockKey, &c.MergedInto, &c.LastRunID, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &c.FieldMeta); err != nil {
			return nil, eris.Wrap(err, "unmarshal field meta")
		}
	}
	return &c, nil
}

func (s *PostgresStore) GetIdentityMapping(ctx context.Context, entityType, externalSystem, externalID string) (*model.IdentityMapping, error) {
	var m model.IdentityMapping
	err := s.pool.QueryRow(ctx,
		`SELECT id, entity_type, external_system, external_id, canonical_id, first_seen_at, last_seen_at, last_run_id
		 FROM ingest.identity_map
		 WHERE entity_type = $1 AND external_system = $2 AND external_id = $3`,
		entityType, externalSystem, externalID,
	).Scan(&m.ID, &m.EntityType, &m.ExternalSystem, &m.ExternalID, &m.CanonicalID,
		&m.FirstSeenAt, &m.LastSeenAt, &m.LastRunID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get identity mapping")
	}
	return &m, nil
}

func (s *PostgresStore) UpsertIdentityMapping(ctx context.Context, m model.IdentityMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest.identity_map
		 (entity_type, external_system, external_id, canonical_id, first_seen_at, last_seen_at, last_run_id)
		 VALUES ($1, $2, $3, $4, now(), now(), $5)
		 ON CONFLICT (entity_type, external_system, external_id) DO UPDATE
		 SET canonical_id = EXCLUDED.canonical_id, last_seen_at = now(), last_run_id = EXCLUDED.last_run_id`,
		m.EntityType, m.ExternalSystem, m.ExternalID, m.CanonicalID, m.LastRunID,
	)
	return eris.Wrap(err, "postgres: upsert identity mapping")
}

func (s *PostgresStore) UpsertSourceAudit(ctx context.Context, audit model.SourceAudit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest.source_audits
		 (mapping_id, schema_version, source_record_id, source_owner, source_created, source_modified, extract_note, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (mapping_id) DO UPDATE
		 SET schema_version = EXCLUDED.schema_version, source_record_id = EXCLUDED.source_record_id,
		     source_owner = EXCLUDED.source_owner, source_created = EXCLUDED.source_created,
		     source_modified = EXCLUDED.source_modified, extract_note = EXCLUDED.extract_note, updated_at = now()`,
		audit.MappingID, audit.SchemaVersion, audit.SourceRecordID, audit.SourceOwner,
		audit.SourceCreated, audit.SourceModified, audit.ExtractNote,
	)
	return eris.Wrap(err, "postgres: upsert source audit")
}

// ListIdentityRefs returns every external identity currently pointing at a
// canonical contact. Merge captures these so undo can move them back.
func (s *PostgresStore) ListIdentityRefs(ctx context.Context, canonicalID int64) ([]model.IdentityRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT external_system, external_id FROM ingest.identity_map
		 WHERE canonical_id = $1 ORDER BY id`, canonicalID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list identity refs")
	}
	defer rows.Close()

	var refs []model.IdentityRef
	for rows.Next() {
		var r model.IdentityRef
		if err := rows.Scan(&r.ExternalSystem, &r.ExternalID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identity ref")
		}
		refs = append(refs, r)
	}
	return refs, eris.Wrap(rows.Err(), "postgres: list identity refs iterate")
}

// CountIdentityOrphans counts identity mappings whose canonical contact is
// missing or has itself been merged away without remapping.
func (s *PostgresStore) CountIdentityOrphans(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest.identity_map m
		 LEFT JOIN ingest.contacts c ON c.id = m.canonical_id
		 WHERE c.id IS NULL OR c.merged_into IS NOT NULL`,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count identity orphans")
}

func (s *PostgresStore) InsertCandidate(ctx context.Context, c *model.DedupeCandidate) error {
	featuresJSON, err := json.Marshal(c.Features)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidate features")
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO ingest.dedupe_candidates
		 (run_id, clean_id, canonical_id, other_id, score, features, match_type, decision, decided_by, decision_note, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		c.RunID, c.CleanID, c.CanonicalID, c.OtherID, c.Score, featuresJSON,
		string(c.MatchType), string(c.Decision), c.DecidedBy, c.DecisionNote, c.DecidedAt,
	).Scan(&c.ID, &c.CreatedAt)
	return eris.Wrap(err, "postgres: insert candidate")
}

func (s *PostgresStore) HasOpenCandidate(ctx context.Context, runID string, cleanID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM ingest.dedupe_candidates
			WHERE run_id = $1 AND clean_id = $2 AND decision = $3
		)`,
		runID, cleanID, string(model.DecisionPending),
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: has open candidate")
}

const candidateColumns = `id, run_id, clean_id, canonical_id, other_id, score, features,
	match_type, decision, decided_by, decision_note, decided_at, created_at`

func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.DedupeCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM ingest.dedupe_candidates WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Decision != "" {
		query += fmt.Sprintf(` AND decision = $%d`, argIdx)
		args = append(args, string(filter.Decision))
		argIdx++
	}
	if filter.MinScore > 0 {
		query += fmt.Sprintf(` AND score >= $%d`, argIdx)
		args = append(args, filter.MinScore)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY score DESC, created_at LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var candidates []model.DedupeCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		candidates = append(candidates, *c)
	}
	return candidates, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id int64) (*model.DedupeCandidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM ingest.dedupe_candidates WHERE id = $1`, id)
	c, err := scanCandidate(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get candidate %d", id)
	}
	return c, nil
}

func (s *PostgresStore) DecideCandidate(ctx context.Context, id int64, decision model.CandidateDecision, decidedBy, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest.dedupe_candidates
		 SET decision = $1, decided_by = $2, decision_note = $3, decided_at = $4
		 WHERE id = $5 AND decision = $6`,
		string(decision), decidedBy, note, time.Now().UTC(), id, string(model.DecisionPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: decide candidate %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("candidate not pending: %d", id)
	}
	return nil
}

func scanCandidate(row pgx.Row) (*model.DedupeCandidate, error) {
	var c model.DedupeCandidate
	var featuresJSON []byte

	if err := row.Scan(
		&c.ID, &c.RunID, &c.CleanID, &c.CanonicalID, &c.OtherID, &c.Score, &featuresJSON,
		&c.MatchType, &c.Decision, &c.DecidedBy, &c.DecisionNote, &c.DecidedAt, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &c.Features); err != nil {
			return nil, eris.Wrap(err, "unmarshal candidate features")
		}
	}
	return &c, nil
}
