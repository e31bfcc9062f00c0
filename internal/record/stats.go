package record

// Stats are the dashboard counters over a set of persisted receipts.
type Stats struct {
	Total     int `json:"total"`
	Today     int `json:"today"`
	Delivered int `json:"delivered"`
	Pending   int `json:"pending"`
	Flagged   int `json:"flagged"`
}

// Summarize counts receipts by status. today is a DateLayout date; a receipt
// counts as today's when it arrived on that date.
func Summarize(records []Record, today string) Stats {
	s := Stats{Total: len(records)}
	for i := range records {
		if records[i].ArrivalDate == today {
			s.Today++
		}
		switch records[i].Status {
		case StatusDelivered:
			s.Delivered++
		case StatusPending:
			s.Pending++
		case StatusFlagged:
			s.Flagged++
		}
	}
	return s
}
