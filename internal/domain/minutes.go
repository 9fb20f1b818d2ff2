package domain

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Minutes is a fixed-point quantity of billable minutes stored as hundredths
// of a minute, so 0.05 and 2.5 are exact.
type Minutes int64

// MinutesFromFloat rounds f to the nearest hundredth of a minute.
func MinutesFromFloat(f float64) Minutes {
	return Minutes(math.Round(f * 100))
}

// WholeMinutes converts an integer amount of minutes.
func WholeMinutes(n int) Minutes {
	return Minutes(n * 100)
}

func (m Minutes) Float() float64 {
	return float64(m) / 100
}

// String renders the amount without trailing zeros, e.g. "2.5".
func (m Minutes) String() string {
	return strconv.FormatFloat(m.Float(), 'f', -1, 64)
}

// Display is the human label used in API messages.
func (m Minutes) Display() string {
	return fmt.Sprintf("%s minutes", m.String())
}

func (m Minutes) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Minutes) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("minutes: %w", err)
	}
	*m = MinutesFromFloat(f)
	return nil
}
