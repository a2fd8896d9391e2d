package modbus

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Supported register datatypes.
const (
	TypeInt16   = "int16"
	TypeUint16  = "uint16"
	TypeInt32   = "int32"
	TypeUint32  = "uint32"
	TypeInt64   = "int64"
	TypeUint64  = "uint64"
	TypeFloat32 = "float32"
	TypeFloat64 = "float64"
	TypeBool    = "bool"
	TypeString  = "string"
)

// DefaultWordLength returns how many 16-bit registers a datatype spans
// when the mapping does not say.
func DefaultWordLength(datatype string) int {
	switch datatype {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeInt64, TypeUint64, TypeFloat64:
		return 4
	default:
		return 1
	}
}

// DecodeValue interprets raw register bytes as datatype.
//
// Only the first wordLength*2 bytes are used; wordLength <= 0 selects the
// datatype default. Numeric results are multiplied by scale. With a scale
// of 1, integers keep their integer form (int64 or uint64); otherwise the
// result is a float64. Short input decodes whatever is present: integers
// extend from the available width, floats are padded with zero bytes on
// the right. Unknown datatypes yield the lowercase hex of the bytes.
//
// Parameters:
//   - datatype: one of the Type* constants
//   - raw: big-endian register bytes
//   - wordLength: registers to consume
//   - scale: multiplier for numeric types
//
// Returns:
//   - any: int64, uint64, float64, bool or string
func DecodeValue(datatype string, raw []byte, wordLength int, scale float64) any {
	if wordLength <= 0 {
		wordLength = DefaultWordLength(datatype)
	}
	buf := raw
	if n := wordLength * 2; len(buf) > n {
		buf = buf[:n]
	}

	switch datatype {
	case TypeInt16:
		return scaleInt(signedBE(buf, 2), scale)
	case TypeInt32:
		return scaleInt(signedBE(buf, 4), scale)
	case TypeInt64:
		return scaleInt(signedBE(buf, 8), scale)
	case TypeUint16:
		return scaleUint(unsignedBE(buf, 2), scale)
	case TypeUint32:
		return scaleUint(unsignedBE(buf, 4), scale)
	case TypeUint64:
		return scaleUint(unsignedBE(buf, 8), scale)
	case TypeFloat32:
		f := math.Float32frombits(binary.BigEndian.Uint32(padRight(buf, 4)))
		// Round-trip through the shortest float32 text so 21.5 stays
		// 21.5 and 0.1 does not become 0.10000000149011612.
		v, _ := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
		return v * scale
	case TypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(padRight(buf, 8))) * scale
	case TypeBool:
		for _, b := range buf {
			if b != 0 {
				return true
			}
		}
		return false
	case TypeString:
		return strings.ToValidUTF8(string(buf), "�")
	default:
		return hex.EncodeToString(buf)
	}
}

// unsignedBE reads up to width bytes as a big-endian unsigned integer.
func unsignedBE(b []byte, width int) uint64 {
	if len(b) > width {
		b = b[:width]
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// signedBE reads up to width bytes as a big-endian two's complement
// integer, sign-extending from the bytes actually present.
func signedBE(b []byte, width int) int64 {
	if len(b) > width {
		b = b[:width]
	}
	if len(b) == 0 {
		return 0
	}
	v := unsignedBE(b, width)
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}

func padRight(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func scaleInt(v int64, scale float64) any {
	if scale == 1 {
		return v
	}
	return float64(v) * scale
}

func scaleUint(v uint64, scale float64) any {
	if scale == 1 {
		return v
	}
	return float64(v) * scale
}

// FormatValue renders a value as an MQTT payload: objects and arrays as
// JSON, everything else in its plain string form.
func FormatValue(v any) []byte {
	switch x := v.(type) {
	case nil:
		return []byte("null")
	case string:
		return []byte(x)
	case bool:
		return []byte(strconv.FormatBool(x))
	case int64:
		return []byte(strconv.FormatInt(x, 10))
	case uint64:
		return []byte(strconv.FormatUint(x, 10))
	case int:
		return []byte(strconv.Itoa(x))
	case float64:
		return []byte(formatFloat(x, 64))
	case float32:
		return []byte(formatFloat(float64(x), 32))
	case map[string]any, []any:
		b, err := json.Marshal(sanitizeJSON(x))
		if err != nil {
			return []byte(fmt.Sprint(x))
		}
		return b
	default:
		return []byte(fmt.Sprint(x))
	}
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, bits)
}

// sanitizeJSON replaces NaN and infinities, which encoding/json rejects,
// with null.
func sanitizeJSON(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitizeJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = sanitizeJSON(e)
		}
		return out
	default:
		return x
	}
}
