package domain

// UsageRecord is the per-identifier quota window. Date is YYYY-MM-DD in the
// quota time zone.
type UsageRecord struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
