package escrow

import "time"

const secondsPerDay = 24 * 60 * 60

// checkRateLimit admits or rejects a new reservation on the order.
// It only inspects; counters move in recordReservation after the whole
// operation has validated.
func (e *Engine) checkRateLimit(o *Order, now time.Time) error {
	ts := now.Unix()

	// Rolling 24h window: an expired window admits regardless of count.
	inWindow := ts-o.WindowStart < secondsPerDay
	if inWindow && o.WindowCount >= e.cfg.MaxFillsPerDay {
		return ErrRateLimited
	}

	// Cooldown since the last successful reservation. LastActionAt is zero
	// until the first reservation, so a fresh order is never throttled.
	if o.LastActionAt != 0 && now.Sub(time.Unix(o.LastActionAt, 0)) < e.cfg.FillCooldown {
		return ErrRateLimited
	}

	return nil
}

// recordReservation updates the rate-limit counters for a reservation that
// is about to commit.
func recordReservation(o *Order, now time.Time) {
	ts := now.Unix()
	if ts-o.WindowStart >= secondsPerDay {
		o.WindowStart = ts
		o.WindowCount = 0
	}
	o.WindowCount++
	o.LastActionAt = ts
}
