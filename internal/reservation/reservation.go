package reservation

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kac/caldb/internal/logging"
	"github.com/kac/caldb/internal/model"
)

// ErrInvalidRow marks a CSV row whose numeric columns cannot be parsed.
var ErrInvalidRow = errors.New("invalid reservation row")

// column names a field by its label in the booking system's Japanese export
// and by an English fallback.
type column struct {
	ja string
	en string
}

var (
	colOrganizationName   = column{"団体名", "organization_name"}
	colID                 = column{"ID", "id"}
	colStatus             = column{"状況", "status"}
	colReservationNumber  = column{"予約番号", "reservation_number"}
	colFullDatetimeString = column{"利用日時", "full_datetime_string"}
	colFacilityName       = column{"利用施設", "facility_name"}
	colYearAD             = column{"西暦年", "year_ad"}
	colMonth              = column{"月", "month"}
	colDay                = column{"日", "day"}
	colDate               = column{"年月日", "date"}
	colDayOfWeek          = column{"曜日", "day_of_week"}
	colStartTime          = column{"開始時刻", "start_time"}
	colEndTime            = column{"終了時刻", "end_time"}
)

func (c column) get(row map[string]string) string {
	if v := strings.TrimSpace(row[c.ja]); v != "" {
		return v
	}
	return strings.TrimSpace(row[c.en])
}

// number returns 0 for an empty value.
func (c column) number(row map[string]string) (int, error) {
	v := c.get(row)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidRow, c.en, v)
	}
	return n, nil
}

// ReadCSV reads a CSV file with a header row into one map per data row,
// keyed by header label. A UTF-8 byte order mark is ignored.
func ReadCSV(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, value := range record {
			if i < len(header) {
				row[header[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseRow converts a CSV row to a Reservation.
func ParseRow(row map[string]string) (model.Reservation, error) {
	number, err := colReservationNumber.number(row)
	if err != nil {
		return model.Reservation{}, err
	}
	year, err := colYearAD.number(row)
	if err != nil {
		return model.Reservation{}, err
	}
	month, err := colMonth.number(row)
	if err != nil {
		return model.Reservation{}, err
	}
	day, err := colDay.number(row)
	if err != nil {
		return model.Reservation{}, err
	}

	return model.Reservation{
		OrganizationName:   colOrganizationName.get(row),
		ID:                 colID.get(row),
		Status:             colStatus.get(row),
		ReservationNumber:  number,
		FullDatetimeString: colFullDatetimeString.get(row),
		FacilityName:       colFacilityName.get(row),
		YearAD:             year,
		Month:              month,
		Day:                day,
		Date:               colDate.get(row),
		DayOfWeek:          colDayOfWeek.get(row),
		StartTime:          colStartTime.get(row),
		EndTime:            colEndTime.get(row),
	}, nil
}

// Repository stores reservations in the reservation_data table.
type Repository struct {
	db  *sql.DB
	log *logging.Logger
}

// NewRepository creates a Repository on an open pool.
func NewRepository(db *sql.DB, log *logging.Logger) *Repository {
	if log == nil {
		log = logging.Discard()
	}
	return &Repository{db: db, log: log}
}

// Import inserts every parseable row in one transaction and returns how many
// were inserted. Rows with non-numeric reservation number, year, month or day
// are skipped.
func (r *Repository) Import(ctx context.Context, rows []map[string]string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reservation_data (organization_name, id, status, reservation_number, full_datetime_string, facility_name, year_ad, month, day, date, day_of_week, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i, row := range rows {
		res, err := ParseRow(row)
		if err != nil {
			r.log.Debugf("skipping CSV row %d: %v", i+1, err)
			continue
		}
		_, err = stmt.ExecContext(ctx,
			res.OrganizationName, res.ID, res.Status, res.ReservationNumber,
			res.FullDatetimeString, res.FacilityName, res.YearAD, res.Month, res.Day,
			res.Date, res.DayOfWeek, res.StartTime, res.EndTime,
		)
		if err != nil {
			return 0, fmt.Errorf("insert CSV row %d: %w", i+1, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	r.log.Infof("Imported %d of %d reservation rows", inserted, len(rows))
	return inserted, nil
}

// List returns all reservations, newest date first and by start time within
// a day.
func (r *Repository) List(ctx context.Context) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(organization_name, ''), COALESCE(id, ''), COALESCE(status, ''),
			COALESCE(reservation_number, 0), COALESCE(full_datetime_string, ''), COALESCE(facility_name, ''),
			COALESCE(year_ad, 0), COALESCE(month, 0), COALESCE(day, 0), COALESCE(date, ''),
			COALESCE(day_of_week, ''), COALESCE(start_time, ''), COALESCE(end_time, '')
		FROM reservation_data
		ORDER BY date DESC, start_time ASC, row_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	out := []model.Reservation{}
	for rows.Next() {
		var res model.Reservation
		if err := rows.Scan(
			&res.OrganizationName, &res.ID, &res.Status, &res.ReservationNumber,
			&res.FullDatetimeString, &res.FacilityName, &res.YearAD, &res.Month, &res.Day,
			&res.Date, &res.DayOfWeek, &res.StartTime, &res.EndTime,
		); err != nil {
			return nil, fmt.Errorf("list reservations: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
