package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/dispatch"
	"github.com/marketplace-api/project/internal/store"
)

type Assignment struct {
	SectionID     string    `json:"sectionId"`
	CategoryID    string    `json:"categoryId"`
	SubcategoryID string    `json:"subcategoryId"`
	AssignedAt    time.Time `json:"assignedAt"`
}

func (h *Handlers) assignSubcategory(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var a Assignment
	if err := req.Decode(&a); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := firstErr(
		required("sectionId", a.SectionID),
		required("categoryId", a.CategoryID),
		required("subcategoryId", a.SubcategoryID),
	); err != nil {
		return dispatch.Outcome{}, err
	}
	a.AssignedAt = env.Now()

	rec, err := store.NewRecord(store.SectionPK(a.SectionID), store.SubcategorySK(a.SubcategoryID), a)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableSections, rec); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Body: a,
		Event: contracts.SubcategoryAssignment{
			SectionID:     a.SectionID,
			CategoryID:    a.CategoryID,
			SubcategoryID: a.SubcategoryID,
			AssignedAt:    a.AssignedAt,
		},
	}, nil
}

// SchemaField is one row of an imported card schema.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type CardSchema struct {
	ID         string        `json:"id"`
	SectionID  string        `json:"sectionId"`
	Fields     []SchemaField `json:"fields"`
	ImportedAt time.Time     `json:"importedAt"`
}

type schemaImportInput struct {
	SectionID string `json:"sectionId"`
	CSV       string `json:"csv"`
}

var fieldTypes = map[string]bool{"text": true, "number": true, "boolean": true, "date": true}

// parseSchemaCSV reads a "name,type,required" header followed by one row
// per field.
func parseSchemaCSV(data string) ([]SchemaField, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 3

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: csv header: %v", dispatch.ErrInvalidRequest, err)
	}
	if strings.ToLower(strings.Join(header, ",")) != "name,type,required" {
		return nil, fmt.Errorf("%w: csv header must be name,type,required", dispatch.ErrInvalidRequest)
	}

	var fields []SchemaField
	seen := map[string]bool{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv: %v", dispatch.ErrInvalidRequest, err)
		}
		name, typ := strings.TrimSpace(row[0]), strings.ToLower(strings.TrimSpace(row[1]))
		if name == "" || seen[name] {
			return nil, fmt.Errorf("%w: field name %q empty or repeated", dispatch.ErrInvalidRequest, name)
		}
		if !fieldTypes[typ] {
			return nil, fmt.Errorf("%w: field %s has unknown type %q", dispatch.ErrInvalidRequest, name, typ)
		}
		req, err := strconv.ParseBool(strings.TrimSpace(row[2]))
		if err != nil {
			return nil, fmt.Errorf("%w: field %s required flag: %v", dispatch.ErrInvalidRequest, name, err)
		}
		seen[name] = true
		fields = append(fields, SchemaField{Name: name, Type: typ, Required: req})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: csv has no fields", dispatch.ErrInvalidRequest)
	}
	return fields, nil
}

func (h *Handlers) importCardSchema(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var in schemaImportInput
	if err := req.Decode(&in); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := firstErr(required("sectionId", in.SectionID), required("csv", in.CSV)); err != nil {
		return dispatch.Outcome{}, err
	}
	fields, err := parseSchemaCSV(in.CSV)
	if err != nil {
		return dispatch.Outcome{}, err
	}

	s := CardSchema{ID: h.NewID(), SectionID: in.SectionID, Fields: fields, ImportedAt: env.Now()}
	rec, err := store.NewRecord(store.SchemaPK(s.ID), store.SchemaSectionSK(s.SectionID), s)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableCardSchemas, rec); err != nil {
		return dispatch.Outcome{}, err
	}

	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return dispatch.Outcome{
		Status: http.StatusCreated,
		Body:   s,
		Event: contracts.SchemaImport{
			SchemaID:   s.ID,
			SectionID:  s.SectionID,
			Fields:     names,
			RowCount:   len(fields),
			ImportedAt: s.ImportedAt,
		},
	}, nil
}

const (
	ListingApproved = "APPROVED"
	ListingRejected = "REJECTED"
)

type Verification struct {
	ListingID  string    `json:"listingId"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

func (h *Handlers) verifyListing(ctx context.Context, env dispatch.Env, req dispatch.Request) (dispatch.Outcome, error) {
	var v Verification
	if err := req.Decode(&v); err != nil {
		return dispatch.Outcome{}, err
	}
	if err := required("listingId", v.ListingID); err != nil {
		return dispatch.Outcome{}, err
	}
	v.Status = strings.ToUpper(strings.TrimSpace(v.Status))
	if v.Status != ListingApproved && v.Status != ListingRejected {
		return dispatch.Outcome{}, fmt.Errorf("%w: status must be %s or %s", dispatch.ErrInvalidRequest, ListingApproved, ListingRejected)
	}
	v.VerifiedAt = env.Now()

	rec, err := store.NewRecord(store.ListingPK(v.ListingID), store.SKVerification, v)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := env.Store.Put(ctx, store.TableListings, rec); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Body: v,
		Event: contracts.VerifyListing{
			ListingID:  v.ListingID,
			Status:     v.Status,
			Notes:      v.Notes,
			VerifiedAt: v.VerifiedAt,
		},
	}, nil
}
