package warehouse

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NormalizeValue converts a driver value to a nullable string. Times are
// rendered as RFC 3339 in UTC; 16-byte arrays are treated as UUIDs.
func NormalizeValue(v any) sql.NullString {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}
	case string:
		return valid(x)
	case []byte:
		if x == nil {
			return sql.NullString{}
		}
		return valid(string(x))
	case *string:
		if x == nil {
			return sql.NullString{}
		}
		return valid(*x)
	case sql.NullString:
		return x
	case time.Time:
		return valid(x.UTC().Format(time.RFC3339Nano))
	case bool:
		return valid(strconv.FormatBool(x))
	case int:
		return valid(strconv.FormatInt(int64(x), 10))
	case int8:
		return valid(strconv.FormatInt(int64(x), 10))
	case int16:
		return valid(strconv.FormatInt(int64(x), 10))
	case int32:
		return valid(strconv.FormatInt(int64(x), 10))
	case int64:
		return valid(strconv.FormatInt(x, 10))
	case uint8:
		return valid(strconv.FormatUint(uint64(x), 10))
	case uint16:
		return valid(strconv.FormatUint(uint64(x), 10))
	case uint32:
		return valid(strconv.FormatUint(uint64(x), 10))
	case uint64:
		return valid(strconv.FormatUint(x, 10))
	case float32:
		return valid(strconv.FormatFloat(float64(x), 'f', -1, 32))
	case float64:
		return valid(strconv.FormatFloat(x, 'f', -1, 64))
	case [16]byte:
		return valid(uuid.UUID(x).String())
	case uuid.UUID:
		return valid(x.String())
	case fmt.Stringer:
		return valid(x.String())
	default:
		return valid(fmt.Sprint(x))
	}
}

// NormalizeRow applies NormalizeValue to each value.
func NormalizeRow(values []any) []sql.NullString {
	out := make([]sql.NullString, len(values))
	for i, v := range values {
		out[i] = NormalizeValue(v)
	}
	return out
}

func valid(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
