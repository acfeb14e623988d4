package models

import (
	"database/sql"
	"fmt"
)

// Identity reference column names, in persisted order.
const (
	IdentityColumnUUID     = "UUID"
	IdentityColumnUsername = "USERNAME"
	IdentityColumnEmail    = "EMAIL"
)

// IdentityColumns lists the identity reference columns in persisted order.
var IdentityColumns = []string{IdentityColumnUUID, IdentityColumnUsername, IdentityColumnEmail}

// IdentityRecord is one canonical user.
type IdentityRecord struct {
	UUID     string         `json:"uuid"`
	Username string         `json:"username"`
	Email    sql.NullString `json:"email"`
}

// IdentityDedupeStats reports what DedupeIdentityRecords removed.
type IdentityDedupeStats struct {
	ExactDuplicates int
	UUIDConflicts   int
}

// DedupeIdentityRecords drops exact duplicate records and then collapses
// records sharing a uuid, keeping the first one seen. Order is preserved.
func DedupeIdentityRecords(records []IdentityRecord) ([]IdentityRecord, IdentityDedupeStats) {
	var stats IdentityDedupeStats
	seenExact := make(map[IdentityRecord]struct{}, len(records))
	seenUUID := make(map[string]struct{}, len(records))
	out := make([]IdentityRecord, 0, len(records))
	for _, rec := range records {
		if _, dup := seenExact[rec]; dup {
			stats.ExactDuplicates++
			continue
		}
		seenExact[rec] = struct{}{}
		if _, dup := seenUUID[rec.UUID]; dup {
			stats.UUIDConflicts++
			continue
		}
		seenUUID[rec.UUID] = struct{}{}
		out = append(out, rec)
	}
	return out, stats
}

// IdentityReference is the immutable canonical identity set for one run.
// UUIDs are unique.
type IdentityReference struct {
	records    []IdentityRecord
	byUUID     map[string]int
	byUsername map[string][]int
}

// NewIdentityReference indexes records. Duplicate uuids are rejected; run
// DedupeIdentityRecords first when the input may contain them.
func NewIdentityReference(records []IdentityRecord) (*IdentityReference, error) {
	ref := &IdentityReference{
		records:    make([]IdentityRecord, len(records)),
		byUUID:     make(map[string]int, len(records)),
		byUsername: make(map[string][]int, len(records)),
	}
	copy(ref.records, records)
	for i, rec := range ref.records {
		if _, dup := ref.byUUID[rec.UUID]; dup {
			return nil, fmt.Errorf("duplicate identity uuid %q", rec.UUID)
		}
		ref.byUUID[rec.UUID] = i
		ref.byUsername[rec.Username] = append(ref.byUsername[rec.Username], i)
	}
	return ref, nil
}

// Len returns the number of records.
func (r *IdentityReference) Len() int {
	if r == nil {
		return 0
	}
	return len(r.records)
}

// Records returns a copy of the records in insertion order.
func (r *IdentityReference) Records() []IdentityRecord {
	out := make([]IdentityRecord, len(r.records))
	copy(out, r.records)
	return out
}

// LookupUUID returns the record whose uuid equals id.
func (r *IdentityReference) LookupUUID(id string) (IdentityRecord, bool) {
	i, ok := r.byUUID[id]
	if !ok {
		return IdentityRecord{}, false
	}
	return r.records[i], true
}

// LookupUsername returns the uuids of every record with the given username.
func (r *IdentityReference) LookupUsername(username string) []string {
	idx := r.byUsername[username]
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = r.records[j].UUID
	}
	return out
}

// ToRelation renders the reference with UUID as the row key.
func (r *IdentityReference) ToRelation() *Relation {
	rel := NewRelation(IdentityColumns...)
	rel.KeyColumn = IdentityColumnUUID
	rel.Rows = make([]Row, 0, len(r.records))
	for _, rec := range r.records {
		rel.Rows = append(rel.Rows, Row{Value(rec.UUID), Value(rec.Username), rec.Email})
	}
	return rel
}

// IdentityRecordsFromRelation reads records from a relation carrying the
// identity columns in any order. Rows with a null uuid are dropped.
func IdentityRecordsFromRelation(rel *Relation) ([]IdentityRecord, error) {
	if rel == nil {
		return nil, fmt.Errorf("nil identity relation")
	}
	idx := make([]int, len(IdentityColumns))
	for i, name := range IdentityColumns {
		idx[i] = rel.ColumnIndex(name)
		if idx[i] < 0 {
			return nil, fmt.Errorf("identity relation missing column %s", name)
		}
	}
	out := make([]IdentityRecord, 0, len(rel.Rows))
	for _, row := range rel.Rows {
		uuid := row[idx[0]]
		if !uuid.Valid {
			continue
		}
		out = append(out, IdentityRecord{
			UUID:     uuid.String,
			Username: row[idx[1]].String,
			Email:    row[idx[2]],
		})
	}
	return out, nil
}
