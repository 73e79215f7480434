package defaults

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/sahib/config"
)

// PowerOfTwoValidator checks for a power of two in [min, max].
func PowerOfTwoValidator(min, max int64) func(val interface{}) error {
	inRange := config.IntRangeValidator(min, max)
	return func(val interface{}) error {
		if err := inRange(val); err != nil {
			return err
		}

		if i := val.(int64); i&(i-1) != 0 {
			return fmt.Errorf("value is not a power of two: %d", i)
		}

		return nil
	}
}

// SizeValidator checks for a human readable size like "16 MiB".
func SizeValidator() func(val interface{}) error {
	return func(val interface{}) error {
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("size is not a string: %v", val)
		}

		if _, err := humanize.ParseBytes(s); err != nil {
			return err
		}

		return nil
	}
}
