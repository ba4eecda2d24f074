package etl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BartekS5/totesys-etl/internal/storage"
	"github.com/BartekS5/totesys-etl/pkg/models"
	"github.com/BartekS5/totesys-etl/pkg/utils"
)

// Dimension names, which double as their processed area prefixes.
const (
	dimCurrency     = "dim_currency"
	dimLocation     = "dim_location"
	dimDesign       = "dim_design"
	dimStaff        = "dim_staff"
	dimCounterparty = "dim_counterparty"
	dimDate         = "dim_date"
)

var currencyNames = map[string]string{
	"GBP": "British Pound",
	"USD": "US Dollar",
	"EUR": "Euro",
	"CHF": "Swiss Franc",
	"JPY": "Japanese Yen",
	"CAD": "Canadian Dollar",
	"AUD": "Australian Dollar",
	"CNY": "Chinese Yuan",
	"SEK": "Swedish Krona",
	"NOK": "Norwegian Krone",
	"DKK": "Danish Krone",
	"PLN": "Polish Zloty",
}

// CurrencyName returns the display name of an ISO 4217 code, or the code
// itself when it is not known.
func CurrencyName(code string) string {
	if n, ok := currencyNames[code]; ok {
		return n
	}
	return code
}

// candidate is one source version of a dimension row.
type candidate[T any] struct {
	natural int64
	updated time.Time
	row     T
}

// dimension is a type 1 dimension: the current attributes of every natural
// key ever seen, each under a stable surrogate key.
type dimension[T any] struct {
	name   string
	keys   *KeyMap
	rows   map[int64]T
	setKey func(*T, int64)
}

func loadDimension[T any](ctx context.Context, store storage.ObjectStore, bucket, name string,
	natural func(*T) int64, surrogate func(*T) int64, setKey func(*T, int64)) (*dimension[T], error) {

	keys, haveKeys, err := loadKeyMap(ctx, store, bucket, name)
	if err != nil {
		return nil, err
	}
	d := &dimension[T]{name: name, keys: keys, rows: make(map[int64]T), setKey: setKey}

	data, err := store.Get(ctx, bucket, dimensionKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s snapshot: %w", name, err)
	}
	if !haveKeys {
		return nil, Contractf("%s snapshot exists without its keymap", name)
	}
	rows, err := decodeParquet[T](data)
	if err != nil {
		return nil, fmt.Errorf("%s snapshot: %w", name, err)
	}
	for i := range rows {
		nk := natural(&rows[i])
		key, ok := keys.Lookup(nk)
		if !ok || key != surrogate(&rows[i]) {
			return nil, Contractf("%s row %d has key %d, keymap says %d", name, nk, surrogate(&rows[i]), key)
		}
		d.rows[nk] = rows[i]
	}
	return d, nil
}

// merge applies candidates, newest version per natural key, assigning new
// surrogate keys in natural key order. It returns how many keys were new.
func (d *dimension[T]) merge(cands []candidate[T]) int {
	latest := make(map[int64]candidate[T], len(cands))
	for _, c := range cands {
		if prev, ok := latest[c.natural]; ok && c.updated.Before(prev.updated) {
			continue
		}
		latest[c.natural] = c
	}
	naturals := make([]int64, 0, len(latest))
	for nk := range latest {
		naturals = append(naturals, nk)
	}
	sort.Slice(naturals, func(i, j int) bool { return naturals[i] < naturals[j] })

	added := 0
	for _, nk := range naturals {
		c := latest[nk]
		_, existed := d.keys.Lookup(nk)
		key, apply := d.keys.Upsert(nk, c.updated)
		if !existed {
			added++
		}
		if _, present := d.rows[nk]; apply || !present {
			row := c.row
			d.setKey(&row, key)
			d.rows[nk] = row
		}
	}
	return added
}

func (d *dimension[T]) lookup(natural int64) (int64, bool) {
	if _, ok := d.rows[natural]; !ok {
		return 0, false
	}
	return d.keys.Lookup(natural)
}

func (d *dimension[T]) row(natural int64) (T, bool) {
	r, ok := d.rows[natural]
	return r, ok
}

// snapshot returns the rows ordered by surrogate key.
func (d *dimension[T]) snapshot() []T {
	out := make([]T, 0, len(d.rows))
	for _, nk := range d.keys.naturalKeys() {
		if r, ok := d.rows[nk]; ok {
			out = append(out, r)
		}
	}
	return out
}

// rowReject is a dimension source row that could not be typed.
type rowReject struct {
	table  string
	row    models.RawRow
	reason string
}

func versionOf(table, idCol string, row models.RawRow) (int64, time.Time, *rowReject) {
	id, err := utils.ParseInt(row[idCol])
	if err != nil {
		return 0, time.Time{}, &rowReject{table: table, row: row, reason: "invalid_" + idCol}
	}
	updated, err := utils.ParseTimestamp(row["last_updated"])
	if err != nil {
		return 0, time.Time{}, &rowReject{table: table, row: row, reason: "invalid_last_updated"}
	}
	return id, updated, nil
}

func currencyCandidates(b *models.RawBatch) ([]candidate[models.DimCurrency], []rowReject, error) {
	if err := requireColumns(b.Table, b.Columns, []string{"currency_id", "currency_code", "last_updated"}); err != nil {
		return nil, nil, err
	}
	var out []candidate[models.DimCurrency]
	var rejects []rowReject
	for _, r := range b.Rows {
		id, updated, rej := versionOf(b.Table, "currency_id", r)
		if rej != nil {
			rejects = append(rejects, *rej)
			continue
		}
		out = append(out, candidate[models.DimCurrency]{natural: id, updated: updated, row: models.DimCurrency{
			CurrencyID:   id,
			CurrencyCode: r["currency_code"],
			CurrencyName: CurrencyName(r["currency_code"]),
		}})
	}
	return out, rejects, nil
}

func locationCandidates(b *models.RawBatch) ([]candidate[models.DimLocation], []rowReject, error) {
	cols := []string{"address_id", "address_line_1", "address_line_2", "district", "city", "postal_code", "country", "phone", "last_updated"}
	if err := requireColumns(b.Table, b.Columns, cols); err != nil {
		return nil, nil, err
	}
	var out []candidate[models.DimLocation]
	var rejects []rowReject
	for _, r := range b.Rows {
		id, updated, rej := versionOf(b.Table, "address_id", r)
		if rej != nil {
			rejects = append(rejects, *rej)
			continue
		}
		out = append(out, candidate[models.DimLocation]{natural: id, updated: updated, row: models.DimLocation{
			LocationID:   id,
			AddressLine1: r["address_line_1"],
			AddressLine2: r["address_line_2"],
			District:     r["district"],
			City:         r["city"],
			PostalCode:   r["postal_code"],
			Country:      r["country"],
			Phone:        r["phone"],
		}})
	}
	return out, rejects, nil
}

func designCandidates(b *models.RawBatch) ([]candidate[models.DimDesign], []rowReject, error) {
	if err := requireColumns(b.Table, b.Columns, []string{"design_id", "design_name", "file_location", "file_name", "last_updated"}); err != nil {
		return nil, nil, err
	}
	var out []candidate[models.DimDesign]
	var rejects []rowReject
	for _, r := range b.Rows {
		id, updated, rej := versionOf(b.Table, "design_id", r)
		if rej != nil {
			rejects = append(rejects, *rej)
			continue
		}
		out = append(out, candidate[models.DimDesign]{natural: id, updated: updated, row: models.DimDesign{
			DesignID:     id,
			DesignName:   r["design_name"],
			FileLocation: r["file_location"],
			FileName:     r["file_name"],
		}})
	}
	return out, rejects, nil
}

type department struct {
	name     string
	location string
}

func departments(b *models.RawBatch) (map[int64]department, error) {
	if err := requireColumns(b.Table, b.Columns, []string{"department_id", "department_name", "location"}); err != nil {
		return nil, err
	}
	out := make(map[int64]department, len(b.Rows))
	for _, r := range b.Rows {
		id, err := utils.ParseInt(r["department_id"])
		if err != nil {
			continue
		}
		out[id] = department{name: r["department_name"], location: r["location"]}
	}
	return out, nil
}

// staffCandidates joins staff with their department. A staff row whose
// department is unknown keeps empty department attributes.
func staffCandidates(b *models.RawBatch, depts map[int64]department) ([]candidate[models.DimStaff], []rowReject, error) {
	if err := requireColumns(b.Table, b.Columns, []string{"staff_id", "first_name", "last_name", "department_id", "email_address", "last_updated"}); err != nil {
		return nil, nil, err
	}
	var out []candidate[models.DimStaff]
	var rejects []rowReject
	for _, r := range b.Rows {
		id, updated, rej := versionOf(b.Table, "staff_id", r)
		if rej != nil {
			rejects = append(rejects, *rej)
			continue
		}
		row := models.DimStaff{
			StaffID:      id,
			FirstName:    r["first_name"],
			LastName:     r["last_name"],
			EmailAddress: r["email_address"],
		}
		if deptID, err := utils.ParseInt(r["department_id"]); err == nil {
			if d, ok := depts[deptID]; ok {
				row.DepartmentName = d.name
				row.Location = d.location
			}
		}
		out = append(out, candidate[models.DimStaff]{natural: id, updated: updated, row: row})
	}
	return out, rejects, nil
}

// counterpartyCandidates denormalises the legal address from the merged
// location dimension, so addresses extracted in earlier runs still resolve.
func counterpartyCandidates(b *models.RawBatch, locations *dimension[models.DimLocation]) ([]candidate[models.DimCounterparty], []rowReject, error) {
	if err := requireColumns(b.Table, b.Columns, []string{"counterparty_id", "counterparty_legal_name", "legal_address_id", "last_updated"}); err != nil {
		return nil, nil, err
	}
	var out []candidate[models.DimCounterparty]
	var rejects []rowReject
	for _, r := range b.Rows {
		id, updated, rej := versionOf(b.Table, "counterparty_id", r)
		if rej != nil {
			rejects = append(rejects, *rej)
			continue
		}
		row := models.DimCounterparty{
			CounterpartyID:        id,
			CounterpartyLegalName: r["counterparty_legal_name"],
		}
		addrID, err := utils.ParseInt(r["legal_address_id"])
		if err != nil {
			rejects = append(rejects, rowReject{table: b.Table, row: r, reason: "invalid_legal_address_id"})
			continue
		}
		loc, ok := locations.row(addrID)
		if !ok {
			rejects = append(rejects, rowReject{table: b.Table, row: r, reason: "unresolved_legal_address"})
			continue
		}
		row.LegalAddressLine1 = loc.AddressLine1
		row.LegalAddressLine2 = loc.AddressLine2
		row.LegalDistrict = loc.District
		row.LegalCity = loc.City
		row.LegalPostalCode = loc.PostalCode
		row.LegalCountry = loc.Country
		row.LegalPhoneNumber = loc.Phone
		out = append(out, candidate[models.DimCounterparty]{natural: id, updated: updated, row: row})
	}
	return out, rejects, nil
}

// dateRow builds the dim_date row of t's calendar day. day_of_week counts
// from Monday = 0.
func dateRow(t time.Time) models.DimDate {
	t = t.UTC()
	m := t.Month()
	return models.DimDate{
		DateKey:   utils.DateKey(t),
		Date:      t.Format("2006-01-02"),
		Year:      int32(t.Year()),
		Month:     int32(m),
		Day:       int32(t.Day()),
		DayOfWeek: int32((int(t.Weekday()) + 6) % 7),
		DayName:   t.Weekday().String(),
		MonthName: m.String(),
		Quarter:   int32((int(m)-1)/3 + 1),
	}
}
