package model

import "time"

// Record is a calendar event as persisted by a sink. Start and End are UTC
// instants; for all-day events they are midnight UTC of the first day and of
// the (exclusive) day after the last day.
type Record struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	HTMLLink    string    `json:"html_link"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// LastSynced is assigned by the sink on every write and ignored on input.
	LastSynced time.Time `json:"last_synced"`
}

// Reservation is one facility booking row imported from the booking system's
// CSV export.
type Reservation struct {
	OrganizationName   string `json:"organization_name"`
	ID                 string `json:"id"`
	Status             string `json:"status"`
	ReservationNumber  int    `json:"reservation_number"`
	FullDatetimeString string `json:"full_datetime_string"`
	FacilityName       string `json:"facility_name"`
	YearAD             int    `json:"year_ad"`
	Month              int    `json:"month"`
	Day                int    `json:"day"`
	Date               string `json:"date"`
	DayOfWeek          string `json:"day_of_week"`
	StartTime          string `json:"start_time"`
	EndTime            string `json:"end_time"`
}
