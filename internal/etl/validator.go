package etl

import (
	"strings"
	"time"

	"github.com/BartekS5/totesys-etl/pkg/models"
	"github.com/BartekS5/totesys-etl/pkg/utils"
)

// salesOrder is a typed sales_order version prior to key resolution.
type salesOrder struct {
	ID             int64
	CreatedAt      time.Time
	LastUpdated    time.Time
	StaffID        int64
	CounterpartyID int64
	CurrencyID     int64
	DesignID       int64
	LocationID     int64
	UnitsSold      int64
	UnitPrice      float64
	PaymentDate    time.Time
	DeliveryDate   time.Time
}

var salesOrderColumns = []string{
	"sales_order_id", "created_at", "last_updated", "design_id", "staff_id",
	"counterparty_id", "units_sold", "unit_price", "currency_id",
	"agreed_delivery_date", "agreed_payment_date", "agreed_delivery_location_id",
}

// Validator types raw sales_order rows and reports why a row cannot become
// a fact. Every failing column contributes a reason code.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// SalesOrder parses row. A non-empty reasons slice means the row must be
// quarantined.
func (v *Validator) SalesOrder(row models.RawRow) (salesOrder, []string) {
	var so salesOrder
	var reasons []string

	parseID := func(col string, dst *int64) {
		n, err := utils.ParseInt(row[col])
		if err != nil {
			reasons = append(reasons, "invalid_"+col)
			return
		}
		*dst = n
	}
	parseTime := func(col string, dst *time.Time) {
		t, err := utils.ParseTimestamp(row[col])
		if err != nil {
			reasons = append(reasons, "invalid_"+col)
			return
		}
		*dst = t
	}

	parseID("sales_order_id", &so.ID)
	parseTime("created_at", &so.CreatedAt)
	parseTime("last_updated", &so.LastUpdated)
	parseID("staff_id", &so.StaffID)
	parseID("counterparty_id", &so.CounterpartyID)
	parseID("currency_id", &so.CurrencyID)
	parseID("design_id", &so.DesignID)
	parseID("agreed_delivery_location_id", &so.LocationID)
	parseTime("agreed_payment_date", &so.PaymentDate)
	parseTime("agreed_delivery_date", &so.DeliveryDate)

	if n, err := utils.ParseNonNegativeInt(row["units_sold"]); err != nil {
		reasons = append(reasons, "invalid_units_sold")
	} else {
		so.UnitsSold = n
	}
	if f, err := utils.ParseNonNegativeDecimal(row["unit_price"]); err != nil {
		reasons = append(reasons, "invalid_unit_price")
	} else {
		so.UnitPrice = f
	}
	return so, reasons
}

// requireColumns fails with a contract violation when columns lacks any of want.
func requireColumns(table string, columns []string, want []string) error {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}
	var missing []string
	for _, w := range want {
		if !have[w] {
			missing = append(missing, w)
		}
	}
	if len(missing) > 0 {
		return Contractf("raw %s is missing columns: %s", table, strings.Join(missing, ", "))
	}
	return nil
}
