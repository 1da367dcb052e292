package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/pkg/salesforce"
)

// Salesforce extracts Contact records from the Salesforce REST API using
// keyset pagination over Id.
type Salesforce struct {
	cfg    config.SalesforceConfig
	client salesforce.Client
}

// NewSalesforce creates a Salesforce CRM adapter.
func NewSalesforce(cfg config.SalesforceConfig, client salesforce.Client) *Salesforce {
	return &Salesforce{cfg: cfg, client: client}
}

// Name implements Adapter.
func (s *Salesforce) Name() string { return s.cfg.SystemName }

// EntityType implements Adapter.
func (s *Salesforce) EntityType() string { return model.EntityContact }

// Extract implements Adapter. Pages are fetched lazily; API failures are
// surfaced as UnavailableError so the caller's retry policy applies.
func (s *Salesforce) Extract(ctx context.Context, since *time.Time, pageSize int) (*Extraction, error) {
	if pageSize <= 0 {
		pageSize = 500
	}

	afterID := ""
	done := false
	return NewExtraction(func(ctx context.Context) ([]RawRecord, error) {
		if done {
			return nil, nil
		}

		records, err := salesforce.QueryContactsPage(ctx, s.client, s.cfg.SObject, since, afterID, pageSize)
		if err != nil {
			return nil, &UnavailableError{Source: s.Name(), Err: err}
		}
		if len(records) == 0 {
			done = true
			return nil, nil
		}
		afterID = records[len(records)-1].ID
		if len(records) < pageSize {
			done = true
		}

		page := make([]RawRecord, 0, len(records))
		for _, r := range records {
			if r.ID == "" {
				return nil, &SchemaError{Source: s.Name(), Detail: "contact row without Id"}
			}
			modified, err := parseSourceTime(r.LastModifiedDate)
			if err != nil {
				return nil, &SchemaError{Source: s.Name(), Detail: err.Error()}
			}
			page = append(page, RawRecord{
				ExternalID: r.ID,
				ModifiedAt: modified,
				Fields:     r.Fields(),
			})
		}

		zap.L().Debug("salesforce: page extracted",
			zap.String("sobject", s.cfg.SObject),
			zap.Int("records", len(page)),
		)
		return page, nil
	}), nil
}
