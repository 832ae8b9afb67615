package settlement

import (
	"fmt"
	"strconv"
	"time"
)

const operationIDLayout = "20060102150405.000"

// NewOperationID derives an operation id from t in the yyyyMMddHHmmssSSS form
// both trading sides use to identify an order.
func NewOperationID(t time.Time) uint64 {
	raw := t.UTC().Format(operationIDLayout)
	id, _ := strconv.ParseUint(raw[:14]+raw[15:], 10, 64)
	return id
}

// ParseOperationID recovers the timestamp encoded in an operation id.
func ParseOperationID(id uint64) (time.Time, error) {
	raw := strconv.FormatUint(id, 10)
	if len(raw) != 17 {
		return time.Time{}, fmt.Errorf("settlement: operation id %d is not yyyyMMddHHmmssSSS", id)
	}
	t, err := time.ParseInLocation(operationIDLayout, raw[:14]+"."+raw[14:], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("settlement: operation id %d: %w", id, err)
	}
	return t, nil
}
