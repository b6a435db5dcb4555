package store

// Stores is the top-level container for all storage backends. The
// coordinator only persists job definitions; queues and timers are
// rebuilt in memory on startup.
type Stores struct {
	Cron CronStore
}

// Close releases every backend.
func (s *Stores) Close() error {
	if s == nil || s.Cron == nil {
		return nil
	}
	return s.Cron.Close()
}
