package segment

import "fmt"

// DataType is the closed variant of scalar column types a chunk may hold.
// Per the design notes, dispatch on this happens once per chunk, never per
// point.
type DataType uint8

const (
	Int32 DataType = iota
	Int64
	Float32
	Float64
	Bool
	Text
)

func (dt DataType) String() string {
	switch dt {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// ParseDataType parses the lowercase name produced by String back into a
// DataType, for loading schema definitions from config files.
func ParseDataType(name string) (DataType, error) {
	switch name {
	case "int32":
		return Int32, nil
	case "int64":
		return Int64, nil
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "bool":
		return Bool, nil
	case "text":
		return Text, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", name)
	}
}

// Value holds exactly one of the six scalar kinds. It is a tagged struct
// rather than an interface{} so that a chunk's values never box per point.
type Value struct {
	Kind DataType
	I32  int32
	I64  int64
	F32  float32
	F64  float64
	B    bool
	S    string
}

// TimeValuePair is one (timestamp, value) sample. A nil-equivalent "no
// value" is represented by Present=false, used for explicit deletes that
// still occupy a slot in chunk-local processing.
type TimeValuePair struct {
	Timestamp int64
	Value     Value
	Version   uint64
	Present   bool
}
