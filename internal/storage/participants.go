package storage

import (
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

// Participant is the last known call activity with a remote participant.
// Both sides write it, so callees also remember who rang them.
type Participant struct {
	ID           string        `json:"participant_id"`
	LastCallType call.CallType `json:"last_call_type"`
	LastReason   call.Reason   `json:"last_reason"`
	Calls        int           `json:"calls"`
	LastSeen     time.Time     `json:"last_seen"`
}

// TouchParticipant records a finished attempt with remoteID.
func (d *DB) TouchParticipant(remoteID string, info call.EndInfo) error {
	at := info.At
	if at.IsZero() {
		at = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _participants (participant_id, last_call_type, last_reason, calls, last_seen)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			last_call_type = excluded.last_call_type,
			last_reason    = excluded.last_reason,
			calls          = _participants.calls + 1,
			last_seen      = excluded.last_seen`,
		remoteID, string(info.CallType), string(info.Reason), at.UnixMilli(),
	)
	return err
}

// GetParticipant returns what is known about id, or false.
func (d *DB) GetParticipant(id string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p Participant
	var ct, reason string
	var seen int64
	err := d.db.QueryRow(`
		SELECT participant_id, last_call_type, last_reason, calls, last_seen
		FROM _participants WHERE participant_id = ?`, id).
		Scan(&p.ID, &ct, &reason, &p.Calls, &seen)
	if err != nil {
		return Participant{}, false
	}
	p.LastCallType = call.CallType(ct)
	p.LastReason = call.Reason(reason)
	p.LastSeen = time.UnixMilli(seen)
	return p, true
}

// ListParticipants returns every known participant, most recent first.
func (d *DB) ListParticipants() ([]Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT participant_id, last_call_type, last_reason, calls, last_seen
		FROM _participants ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Participant{}
	for rows.Next() {
		var p Participant
		var ct, reason string
		var seen int64
		if err := rows.Scan(&p.ID, &ct, &reason, &p.Calls, &seen); err != nil {
			return nil, err
		}
		p.LastCallType = call.CallType(ct)
		p.LastReason = call.Reason(reason)
		p.LastSeen = time.UnixMilli(seen)
		out = append(out, p)
	}
	return out, rows.Err()
}
