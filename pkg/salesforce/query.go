package salesforce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ContactRecord represents a Salesforce Contact row as extracted.
type ContactRecord struct {
	ID               string `json:"Id" salesforce:"Id"`
	FirstName        string `json:"FirstName" salesforce:"FirstName"`
	LastName         string `json:"LastName" salesforce:"LastName"`
	Email            string `json:"Email" salesforce:"Email"`
	Phone            string `json:"Phone" salesforce:"Phone"`
	MobilePhone      string `json:"MobilePhone" salesforce:"MobilePhone"`
	Birthdate        string `json:"Birthdate" salesforce:"Birthdate"`
	Title            string `json:"Title" salesforce:"Title"`
	AccountName      string `json:"Account_Name__c" salesforce:"Account_Name__c"`
	MailingStreet    string `json:"MailingStreet" salesforce:"MailingStreet"`
	MailingCity      string `json:"MailingCity" salesforce:"MailingCity"`
	MailingState     string `json:"MailingState" salesforce:"MailingState"`
	MailingPostal    string `json:"MailingPostalCode" salesforce:"MailingPostalCode"`
	MailingCountry   string `json:"MailingCountry" salesforce:"MailingCountry"`
	LastModifiedDate string `json:"LastModifiedDate" salesforce:"LastModifiedDate"`
}

// contactFields are the SOQL fields selected for Contact extraction.
var contactFields = []string{
	"Id", "FirstName", "LastName", "Email", "Phone", "MobilePhone",
	"Birthdate", "Title", "Account_Name__c",
	"MailingStreet", "MailingCity", "MailingState", "MailingPostalCode", "MailingCountry",
	"LastModifiedDate",
}

// Fields flattens the record into the column map staged rows carry.
func (r ContactRecord) Fields() map[string]string {
	return map[string]string{
		"Id":                r.ID,
		"FirstName":         r.FirstName,
		"LastName":          r.LastName,
		"Email":             r.Email,
		"Phone":             r.Phone,
		"MobilePhone":       r.MobilePhone,
		"Birthdate":         r.Birthdate,
		"Title":             r.Title,
		"Account_Name__c":   r.AccountName,
		"MailingStreet":     r.MailingStreet,
		"MailingCity":       r.MailingCity,
		"MailingState":      r.MailingState,
		"MailingPostalCode": r.MailingPostal,
		"MailingCountry":    r.MailingCountry,
		"LastModifiedDate":  r.LastModifiedDate,
	}
}

// QueryContactsPage fetches one keyset-paginated page of contacts modified
// strictly after since (all contacts when since is nil), ordered by Id.
// afterID is the last Id of the previous page ("" for the first page).
func QueryContactsPage(ctx context.Context, c Client, sobject string, since *time.Time, afterID string, pageSize int) ([]ContactRecord, error) {
	if sobject == "" {
		sobject = "Contact"
	}

	var where []string
	if since != nil {
		// SOQL datetime literals are unquoted ISO-8601 in UTC.
		where = append(where, fmt.Sprintf("LastModifiedDate > %s", since.UTC().Format("2006-01-02T15:04:05Z")))
	}
	if afterID != "" {
		where = append(where, fmt.Sprintf("Id > '%s'", EscapeSOQL(afterID)))
	}

	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(contactFields, ", "), sobject)
	if len(where) > 0 {
		soql += " WHERE " + strings.Join(where, " AND ")
	}
	soql += fmt.Sprintf(" ORDER BY Id LIMIT %d", pageSize)

	var records []ContactRecord
	if err := c.Query(ctx, soql, &records); err != nil {
		return nil, eris.Wrapf(err, "sf: query %s page", sobject)
	}
	return records, nil
}

// EscapeSOQL escapes single quotes in SOQL string literals to prevent injection.
func EscapeSOQL(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
