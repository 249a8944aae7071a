package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// scanReceipts drains rows of (recipient, channel, status, time) and closes them.
func scanReceipts(rows *sql.Rows) ([]models.Receipt, error) {
	defer rows.Close()
	receipts := []models.Receipt{}
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Channel, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// scanResponses drains rows of (sender, channel, body, time) and closes them.
func scanResponses(rows *sql.Rows) ([]models.Response, error) {
	defer rows.Close()
	responses := []models.Response{}
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Channel, &r.Body, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	return responses, nil
}

// scanAppointments drains appointment rows and closes them.
func scanAppointments(rows *sql.Rows) ([]models.Appointment, error) {
	defer rows.Close()
	appts := []models.Appointment{}
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.SessionKey, &a.Channel, &a.Name, &a.Datetime, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan appointment row: %w", err)
		}
		appts = append(appts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointment rows: %w", err)
	}
	return appts, nil
}
