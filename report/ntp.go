package report

import "time"

// ntpEpochOffset is the offset in seconds between the NTP epoch (1900) and
// the Unix epoch (1970).
const ntpEpochOffset = 2208988800

// NtpTime converts a wall-clock time to 64-bit NTP format: seconds since
// 1900 in the high 32 bits, fractional seconds in the low 32 bits.
func NtpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// NtpMid returns the middle 32 bits of an NTP timestamp, the compact form
// carried in LastSR/LastRR fields.
func NtpMid(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// DurationToNtpUnits converts a duration to 1/65536-second units, the format
// of DLSR and DLRR delay fields.
func DurationToNtpUnits(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d.Seconds() * 65536)
}

// NtpUnitsToDuration converts 1/65536-second units back to a duration.
func NtpUnitsToDuration(u uint32) time.Duration {
	return time.Duration(float64(u) / 65536 * float64(time.Second))
}
