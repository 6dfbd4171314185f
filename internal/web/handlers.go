package web

import (
	"context"
	"mime"
	"net/http"
	"strconv"

	"github.com/kac/caldb/internal/logging"
	"github.com/kac/caldb/internal/model"
	"github.com/kac/caldb/internal/reservation"

	"github.com/gin-gonic/gin"
)

// ReservationStore lists and bulk-loads reservations.
type ReservationStore interface {
	List(ctx context.Context) ([]model.Reservation, error)
	Import(ctx context.Context, rows []map[string]string) (int, error)
}

// EventStore reads synced events.
type EventStore interface {
	List(ctx context.Context, limit int) ([]model.Record, error)
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 2500
)

// csvContentTypes are the upload types browsers and spreadsheet tools use
// for CSV files.
var csvContentTypes = map[string]bool{
	"text/csv":                 true,
	"application/vnd.ms-excel": true,
	"text/plain":               true,
}

// Handler serves the reservation and event API.
type Handler struct {
	reservations ReservationStore
	events       EventStore
	log          *logging.Logger
}

// NewHandler creates a Handler. A nil logger discards output.
func NewHandler(reservations ReservationStore, events EventStore, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{reservations: reservations, events: events, log: log}
}

// ListReservations returns every reservation row, newest date first.
func (h *Handler) ListReservations(c *gin.Context) {
	list, err := h.reservations.List(c.Request.Context())
	if err != nil {
		h.log.Errorf("list reservations: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// ImportCSV loads the uploaded multipart "file" into the reservation table
// and reports how many rows were inserted.
func (h *Handler) ImportCSV(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	mediaType, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	if err != nil || !csvContentTypes[mediaType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "please upload a CSV file"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
		return
	}
	defer f.Close()

	rows, err := reservation.ReadCSV(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	count, err := h.reservations.Import(c.Request.Context(), rows)
	if err != nil {
		h.log.Errorf("import reservations: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "imported " + strconv.Itoa(count) + " records"})
}

// ListEvents returns synced events ordered by start time. The optional limit
// query parameter is capped at maxEventLimit.
func (h *Handler) ListEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	records, err := h.events.List(c.Request.Context(), limit)
	if err != nil {
		h.log.Errorf("list events: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, records)
}
