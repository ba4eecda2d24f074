package models

// Star schema rows as written to the processed area. Every dimension carries
// its pipeline-assigned surrogate key next to the source natural key.

type DimCurrency struct {
	CurrencyKey  int64  `parquet:"currency_key" json:"currency_key"`
	CurrencyID   int64  `parquet:"currency_id" json:"currency_id"`
	CurrencyCode string `parquet:"currency_code" json:"currency_code"`
	CurrencyName string `parquet:"currency_name" json:"currency_name"`
}

type DimLocation struct {
	LocationKey  int64  `parquet:"location_key" json:"location_key"`
	LocationID   int64  `parquet:"location_id" json:"location_id"`
	AddressLine1 string `parquet:"address_line_1" json:"address_line_1"`
	AddressLine2 string `parquet:"address_line_2" json:"address_line_2"`
	District     string `parquet:"district" json:"district"`
	City         string `parquet:"city" json:"city"`
	PostalCode   string `parquet:"postal_code" json:"postal_code"`
	Country      string `parquet:"country" json:"country"`
	Phone        string `parquet:"phone" json:"phone"`
}

type DimDesign struct {
	DesignKey    int64  `parquet:"design_key" json:"design_key"`
	DesignID     int64  `parquet:"design_id" json:"design_id"`
	DesignName   string `parquet:"design_name" json:"design_name"`
	FileLocation string `parquet:"file_location" json:"file_location"`
	FileName     string `parquet:"file_name" json:"file_name"`
}

type DimStaff struct {
	StaffKey       int64  `parquet:"staff_key" json:"staff_key"`
	StaffID        int64  `parquet:"staff_id" json:"staff_id"`
	FirstName      string `parquet:"first_name" json:"first_name"`
	LastName       string `parquet:"last_name" json:"last_name"`
	DepartmentName string `parquet:"department_name" json:"department_name"`
	Location       string `parquet:"location" json:"location"`
	EmailAddress   string `parquet:"email_address" json:"email_address"`
}

type DimCounterparty struct {
	CounterpartyKey       int64  `parquet:"counterparty_key" json:"counterparty_key"`
	CounterpartyID        int64  `parquet:"counterparty_id" json:"counterparty_id"`
	CounterpartyLegalName string `parquet:"counterparty_legal_name" json:"counterparty_legal_name"`
	LegalAddressLine1     string `parquet:"counterparty_legal_address_line_1" json:"counterparty_legal_address_line_1"`
	LegalAddressLine2     string `parquet:"counterparty_legal_address_line_2" json:"counterparty_legal_address_line_2"`
	LegalDistrict         string `parquet:"counterparty_legal_district" json:"counterparty_legal_district"`
	LegalCity             string `parquet:"counterparty_legal_city" json:"counterparty_legal_city"`
	LegalPostalCode       string `parquet:"counterparty_legal_postal_code" json:"counterparty_legal_postal_code"`
	LegalCountry          string `parquet:"counterparty_legal_country" json:"counterparty_legal_country"`
	LegalPhoneNumber      string `parquet:"counterparty_legal_phone_number" json:"counterparty_legal_phone_number"`
}

// DimDate uses a smart key (YYYYMMDD), so the mapping is stable by construction.
type DimDate struct {
	DateKey   int32  `parquet:"date_key" json:"date_key"`
	Date      string `parquet:"date" json:"date"`
	Year      int32  `parquet:"year" json:"year"`
	Month     int32  `parquet:"month" json:"month"`
	Day       int32  `parquet:"day" json:"day"`
	DayOfWeek int32  `parquet:"day_of_week" json:"day_of_week"`
	DayName   string `parquet:"day_name" json:"day_name"`
	MonthName string `parquet:"month_name" json:"month_name"`
	Quarter   int32  `parquet:"quarter" json:"quarter"`
}

// FactSalesOrder is one sales_order version.
type FactSalesOrder struct {
	SalesRecordID             int64   `parquet:"sales_record_id" json:"sales_record_id"`
	SalesOrderID              int64   `parquet:"sales_order_id" json:"sales_order_id"`
	CreatedDateKey            int32   `parquet:"created_date_key" json:"created_date_key"`
	CreatedTime               string  `parquet:"created_time" json:"created_time"`
	LastUpdatedDateKey        int32   `parquet:"last_updated_date_key" json:"last_updated_date_key"`
	LastUpdatedTime           string  `parquet:"last_updated_time" json:"last_updated_time"`
	SalesStaffKey             int64   `parquet:"sales_staff_key" json:"sales_staff_key"`
	CounterpartyKey           int64   `parquet:"counterparty_key" json:"counterparty_key"`
	UnitsSold                 int64   `parquet:"units_sold" json:"units_sold"`
	UnitPrice                 float64 `parquet:"unit_price" json:"unit_price"`
	CurrencyKey               int64   `parquet:"currency_key" json:"currency_key"`
	DesignKey                 int64   `parquet:"design_key" json:"design_key"`
	AgreedPaymentDateKey      int32   `parquet:"agreed_payment_date_key" json:"agreed_payment_date_key"`
	AgreedDeliveryDateKey     int32   `parquet:"agreed_delivery_date_key" json:"agreed_delivery_date_key"`
	AgreedDeliveryLocationKey int64   `parquet:"agreed_delivery_location_key" json:"agreed_delivery_location_key"`
}

// QuarantineRecord is a raw row set aside with the reason it was rejected.
type QuarantineRecord struct {
	RunID  string `json:"run_id"`
	Table  string `json:"table"`
	Row    RawRow `json:"row"`
	Reason string `json:"reason"`
}
