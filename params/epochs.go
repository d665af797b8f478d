package params

// Epoch timing constants. An epoch is a fixed 14-day interval; 26 epochs
// make a refund year for budget purposes.
const (
	EpochLengthSeconds uint64 = 14 * 24 * 60 * 60
	EpochsPerYear      uint64 = 26
)

// EpochClock converts between unix timestamps and epoch numbers. Epoch
// GenesisEpoch starts at GenesisTime; epochs are contiguous 14-day slots.
type EpochClock struct {
	GenesisEpoch uint64 // first epoch of the refund program
	GenesisTime  uint64 // unix start of GenesisEpoch
}

// StartOf returns the unix start timestamp of epoch. Epochs below the
// genesis epoch are clamped to the genesis start.
func (c EpochClock) StartOf(epoch uint64) uint64 {
	if epoch <= c.GenesisEpoch {
		return c.GenesisTime
	}
	return c.GenesisTime + (epoch-c.GenesisEpoch)*EpochLengthSeconds
}

// EndOf returns the exclusive unix end timestamp of epoch.
func (c EpochClock) EndOf(epoch uint64) uint64 {
	return c.StartOf(epoch) + EpochLengthSeconds
}

// EpochOf returns the epoch containing unix timestamp t. Timestamps before
// genesis map to the genesis epoch.
func (c EpochClock) EpochOf(t uint64) uint64 {
	if t <= c.GenesisTime {
		return c.GenesisEpoch
	}
	return c.GenesisEpoch + (t-c.GenesisTime)/EpochLengthSeconds
}

// CurrentEpoch returns the epoch containing now.
func (c EpochClock) CurrentEpoch(now uint64) uint64 {
	return c.EpochOf(now)
}

// CalcRange returns the scan interval for epoch: its [start, end) slot with
// the end clamped to now for the still-running epoch.
func (c EpochClock) CalcRange(epoch, now uint64) (start, end uint64) {
	start = c.StartOf(epoch)
	end = c.EndOf(epoch)
	if end > now {
		end = now
	}
	return start, end
}

// YearIndex returns the zero-based refund year of epoch, counted from the
// genesis epoch in blocks of EpochsPerYear.
func (c EpochClock) YearIndex(epoch uint64) uint64 {
	if epoch <= c.GenesisEpoch {
		return 0
	}
	return (epoch - c.GenesisEpoch) / EpochsPerYear
}

// IsYearStart reports whether epoch opens a new refund year, i.e. whether
// the yearly budget counters reset at its boundary.
func (c EpochClock) IsYearStart(epoch uint64) bool {
	if epoch < c.GenesisEpoch {
		return false
	}
	return (epoch-c.GenesisEpoch)%EpochsPerYear == 0
}
