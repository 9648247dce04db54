package config

import (
	"fmt"
	"time"
)

// BlockTime returns the expected block interval of a deployment.
func BlockTime(deployment string) (time.Duration, error) {
	switch deployment {
	case "C1":
		return 4 * time.Second, nil
	case "A1":
		return 4500 * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("unsupported deployment: %s", deployment)
	}
}
