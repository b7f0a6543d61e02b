package binlog

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/jsonb"
)

// ColumnType is the server's field type code as written in a TableMap.
type ColumnType byte

const (
	TypeDecimal    ColumnType = 0x00
	TypeTiny       ColumnType = 0x01
	TypeShort      ColumnType = 0x02
	TypeLong       ColumnType = 0x03
	TypeFloat      ColumnType = 0x04
	TypeDouble     ColumnType = 0x05
	TypeNull       ColumnType = 0x06
	TypeTimestamp  ColumnType = 0x07
	TypeLongLong   ColumnType = 0x08
	TypeInt24      ColumnType = 0x09
	TypeDate       ColumnType = 0x0a
	TypeTime       ColumnType = 0x0b
	TypeDateTime   ColumnType = 0x0c
	TypeYear       ColumnType = 0x0d
	TypeNewDate    ColumnType = 0x0e
	TypeVarchar    ColumnType = 0x0f
	TypeBit        ColumnType = 0x10
	TypeTimestamp2 ColumnType = 0x11
	TypeDateTime2  ColumnType = 0x12
	TypeTime2      ColumnType = 0x13
	TypeJSON       ColumnType = 0xf5
	TypeNewDecimal ColumnType = 0xf6
	TypeEnum       ColumnType = 0xf7
	TypeSet        ColumnType = 0xf8
	TypeTinyBlob   ColumnType = 0xf9
	TypeMediumBlob ColumnType = 0xfa
	TypeLongBlob   ColumnType = 0xfb
	TypeBlob       ColumnType = 0xfc
	TypeVarString  ColumnType = 0xfd
	TypeString     ColumnType = 0xfe
	TypeGeometry   ColumnType = 0xff
)

var columnTypeNames = map[ColumnType]string{
	TypeDecimal:    "decimal",
	TypeTiny:       "tinyint",
	TypeShort:      "smallint",
	TypeLong:       "int",
	TypeFloat:      "float",
	TypeDouble:     "double",
	TypeNull:       "null",
	TypeTimestamp:  "timestamp",
	TypeLongLong:   "bigint",
	TypeInt24:      "mediumint",
	TypeDate:       "date",
	TypeTime:       "time",
	TypeDateTime:   "datetime",
	TypeYear:       "year",
	TypeNewDate:    "newdate",
	TypeVarchar:    "varchar",
	TypeBit:        "bit",
	TypeTimestamp2: "timestamp",
	TypeDateTime2:  "datetime",
	TypeTime2:      "time",
	TypeJSON:       "json",
	TypeNewDecimal: "decimal",
	TypeEnum:       "enum",
	TypeSet:        "set",
	TypeTinyBlob:   "tinyblob",
	TypeMediumBlob: "mediumblob",
	TypeLongBlob:   "longblob",
	TypeBlob:       "blob",
	TypeVarString:  "varchar",
	TypeString:     "char",
	TypeGeometry:   "geometry",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// IsNumeric reports whether signedness applies to the type.
func (t ColumnType) IsNumeric() bool {
	switch t {
	case TypeTiny, TypeShort, TypeInt24, TypeLong, TypeLongLong,
		TypeFloat, TypeDouble, TypeNewDecimal, TypeDecimal:
		return true
	}
	return false
}

const (
	datetimeIntOfs = 0x8000000000
	timeIntOfs     = 0x800000
	timeOfs        = 0x800000000000
	digitsPerInt   = 9
)

var compressedBytes = [...]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

const (
	maxDecimalPrecision = 65
	maxDecimalScale     = 30
)

// readMeta decodes the per-column metadata block of a TableMap.
func readMeta(data []byte, types []ColumnType) ([]uint16, error) {
	meta := make([]uint16, len(types))
	c := newCursor(data)
	for i, t := range types {
		switch t {
		case TypeString, TypeNewDecimal:
			// real type (or precision), then length (or scale)
			hi := uint16(c.uint8())
			meta[i] = hi<<8 | uint16(c.uint8())
			if t == TypeNewDecimal && c.err == nil {
				if err := checkDecimalMeta(int(hi), int(meta[i]&0xff)); err != nil {
					return nil, fmt.Errorf("column %d: %w", i, err)
				}
			}
		case TypeVarString, TypeVarchar, TypeBit:
			meta[i] = c.uint16()
		case TypeBlob, TypeDouble, TypeFloat, TypeGeometry, TypeJSON,
			TypeTime2, TypeDateTime2, TypeTimestamp2:
			meta[i] = uint16(c.uint8())
		case TypeNewDate, TypeEnum, TypeSet, TypeTinyBlob, TypeMediumBlob, TypeLongBlob:
			return nil, fmt.Errorf("column %d: type %s cannot appear in a table map", i, t)
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return meta, nil
}

// decodeValue decodes one non-null column value from data and returns it
// with the number of bytes consumed.
func decodeValue(data []byte, col Column) (any, int, error) {
	c := newCursor(data)
	v, err := readValue(c, col)
	if c.err != nil {
		return nil, c.pos, c.protocolErr("decode " + col.Type.String())
	}
	if err != nil && common.KindOf(err) == common.KindUnknown {
		err = common.NewError(common.KindDecode, "decode "+col.Type.String(), err)
	}
	return v, c.pos, err
}

func readValue(c *cursor, col Column) (any, error) {
	tp, meta := col.Type, col.Meta
	length := 0
	if tp == TypeString {
		tp, length = stringRealType(meta)
	}

	switch tp {
	case TypeNull:
		return nil, nil
	case TypeTiny:
		b := c.uint8()
		if col.Unsigned {
			return uint64(b), nil
		}
		return int64(int8(b)), nil
	case TypeShort:
		v := c.uint16()
		if col.Unsigned {
			return uint64(v), nil
		}
		return int64(int16(v)), nil
	case TypeInt24:
		v := uint32(c.uintN(3))
		if col.Unsigned {
			return uint64(v), nil
		}
		if v&0x800000 != 0 {
			v |= 0xff000000
		}
		return int64(int32(v)), nil
	case TypeLong:
		v := c.uint32()
		if col.Unsigned {
			return uint64(v), nil
		}
		return int64(int32(v)), nil
	case TypeLongLong:
		v := c.uint64()
		if col.Unsigned {
			return v, nil
		}
		return int64(v), nil
	case TypeFloat:
		return math.Float32frombits(c.uint32()), nil
	case TypeDouble:
		return math.Float64frombits(c.uint64()), nil
	case TypeNewDecimal:
		return readDecimal(c, int(meta>>8), int(meta&0xff))
	case TypeBit:
		nbits := int(meta>>8)*8 + int(meta&0xff)
		return bigEndian(c.bytes((nbits + 7) / 8)), nil
	case TypeTimestamp:
		sec := c.uint32()
		if sec == 0 {
			return "0000-00-00 00:00:00", nil
		}
		return time.Unix(int64(sec), 0).UTC(), nil
	case TypeTimestamp2:
		return readTimestamp2(c, int(meta))
	case TypeDateTime:
		return readDateTime(c.uint64()), nil
	case TypeDateTime2:
		return readDateTime2(c, int(meta))
	case TypeTime:
		v := uint32(c.uintN(3))
		return fmt.Sprintf("%02d:%02d:%02d", v/10000, (v%10000)/100, v%100), nil
	case TypeTime2:
		return readTime2(c, int(meta))
	case TypeDate:
		v := uint32(c.uintN(3))
		if v == 0 {
			return "0000-00-00", nil
		}
		return fmt.Sprintf("%04d-%02d-%02d", v/(16*32), v/32%16, v%32), nil
	case TypeYear:
		y := int(c.uint8())
		if y == 0 {
			return 0, nil
		}
		return y + 1900, nil
	case TypeEnum:
		switch meta & 0xff {
		case 1:
			return int64(c.uint8()), nil
		case 2:
			return int64(c.uint16()), nil
		}
		return nil, fmt.Errorf("enum with pack length %d", meta&0xff)
	case TypeSet:
		return c.uintN(int(meta & 0xff)), nil
	case TypeBlob, TypeGeometry:
		return readBlob(c, int(meta))
	case TypeVarchar, TypeVarString:
		return readString(c, int(meta)), nil
	case TypeString:
		return readString(c, length), nil
	case TypeJSON:
		raw, err := readBlob(c, int(meta))
		if err != nil {
			return nil, err
		}
		return jsonb.Decode(raw)
	}
	return nil, fmt.Errorf("unsupported column type %s (%d)", tp, byte(tp))
}

// stringRealType unpacks the STRING metadata, which hides ENUM and SET
// columns as well as lengths over 255.
func stringRealType(meta uint16) (ColumnType, int) {
	if meta < 256 {
		return TypeString, int(meta)
	}
	b0, b1 := byte(meta>>8), byte(meta&0xff)
	if b0&0x30 != 0x30 {
		return ColumnType(b0 | 0x30), int(uint16(b1) | uint16((b0&0x30)^0x30)<<4)
	}
	return ColumnType(b0), int(b1)
}

func readString(c *cursor, maxLen int) string {
	var n int
	if maxLen < 256 {
		n = int(c.uint8())
	} else {
		n = int(c.uint16())
	}
	return string(c.bytes(n))
}

func readBlob(c *cursor, packLen int) ([]byte, error) {
	if packLen < 1 || packLen > 4 {
		return nil, fmt.Errorf("blob with pack length %d", packLen)
	}
	n := c.uintN(packLen)
	b := c.bytes(int(n))
	if b == nil {
		return nil, c.err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// checkDecimalMeta bounds NEWDECIMAL precision and scale to what MySQL allows.
func checkDecimalMeta(precision, scale int) error {
	if precision < 1 || precision > maxDecimalPrecision {
		return fmt.Errorf("decimal precision %d out of range", precision)
	}
	if scale > precision || scale > maxDecimalScale {
		return fmt.Errorf("decimal scale %d invalid for precision %d", scale, precision)
	}
	return nil
}

func readDecimal(c *cursor, precision, scale int) (decimal.Decimal, error) {
	if err := checkDecimalMeta(precision, scale); err != nil {
		return decimal.Decimal{}, err
	}
	integral := precision - scale
	uncompIntegral := integral / digitsPerInt
	uncompFractional := scale / digitsPerInt
	compIntegral := integral - uncompIntegral*digitsPerInt
	compFractional := scale - uncompFractional*digitsPerInt
	size := uncompIntegral*4 + compressedBytes[compIntegral] +
		uncompFractional*4 + compressedBytes[compFractional]

	if size == 0 {
		return decimal.Decimal{}, fmt.Errorf("decimal(%d,%d) has no storage", precision, scale)
	}
	raw := c.bytes(size)
	if raw == nil {
		return decimal.Decimal{}, c.err
	}
	data := make([]byte, size)
	copy(data, raw)

	var sb strings.Builder
	var mask uint32
	if data[0]&0x80 == 0 {
		mask = math.MaxUint32
		sb.WriteByte('-')
	}
	data[0] ^= 0x80

	pos := 0
	part := func(n int) uint32 {
		v := uint32(bigEndian(data[pos:pos+n])) ^ (mask >> (32 - 8*n))
		pos += n
		return v
	}

	var digits strings.Builder
	if n := compressedBytes[compIntegral]; n > 0 {
		digits.WriteString(strconv.FormatUint(uint64(part(n)), 10))
	}
	for i := 0; i < uncompIntegral; i++ {
		digits.WriteString(fmt.Sprintf("%09d", part(4)))
	}
	intPart := strings.TrimLeft(digits.String(), "0")
	if intPart == "" {
		intPart = "0"
	}
	sb.WriteString(intPart)

	if scale > 0 {
		sb.WriteByte('.')
		for i := 0; i < uncompFractional; i++ {
			sb.WriteString(fmt.Sprintf("%09d", part(4)))
		}
		if n := compressedBytes[compFractional]; n > 0 {
			sb.WriteString(fmt.Sprintf("%0*d", compFractional, part(n)))
		}
	}
	return decimal.NewFromString(sb.String())
}

func readFraction(c *cursor, dec int) int64 {
	switch dec {
	case 1, 2:
		return int64(c.uint8()) * 10000
	case 3, 4:
		return int64(bigEndian(c.bytes(2))) * 100
	case 5, 6:
		return int64(bigEndian(c.bytes(3)))
	}
	return 0
}

func readTimestamp2(c *cursor, dec int) (any, error) {
	sec := int64(bigEndian(c.bytes(4)))
	usec := readFraction(c, dec)
	if sec == 0 {
		return formatZeroTime(usec, dec), nil
	}
	return time.Unix(sec, usec*1000).UTC(), nil
}

func readDateTime(v uint64) any {
	if v == 0 {
		return "0000-00-00 00:00:00"
	}
	d, t := v/1000000, v%1000000
	return time.Date(int(d/10000), time.Month((d%10000)/100), int(d%100),
		int(t/10000), int((t%10000)/100), int(t%100), 0, time.UTC)
}

func readDateTime2(c *cursor, dec int) (any, error) {
	intPart := int64(bigEndian(c.bytes(5))) - datetimeIntOfs
	frac := readFraction(c, dec)
	if intPart == 0 {
		return formatZeroTime(frac, dec), nil
	}
	tmp := intPart<<24 + frac
	if tmp < 0 {
		tmp = -tmp
	}
	ymdhms := tmp >> 24
	ymd := ymdhms >> 17
	ym := ymd >> 5
	hms := ymdhms % (1 << 17)

	day := int(ymd % (1 << 5))
	month := int(ym % 13)
	year := int(ym / 13)
	second := int(hms % (1 << 6))
	minute := int((hms >> 6) % (1 << 6))
	hour := int(hms >> 12)

	// zero or partial dates are not representable as time.Time
	if month == 0 || day == 0 {
		s := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
		if dec > 0 {
			s += fmt.Sprintf(".%06d", frac)[:dec+1]
		}
		return s, nil
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, int(frac*1000), time.UTC), nil
}

func readTime2(c *cursor, dec int) (any, error) {
	var intPart, frac, tmp int64
	switch dec {
	case 1, 2:
		intPart = int64(bigEndian(c.bytes(3))) - timeIntOfs
		frac = int64(c.uint8())
		if intPart < 0 && frac != 0 {
			// negative values store the fraction in reverse order
			intPart++
			frac -= 0x100
		}
		tmp = intPart<<24 + frac*10000
	case 3, 4:
		intPart = int64(bigEndian(c.bytes(3))) - timeIntOfs
		frac = int64(bigEndian(c.bytes(2)))
		if intPart < 0 && frac != 0 {
			intPart++
			frac -= 0x10000
		}
		tmp = intPart<<24 + frac*100
	case 5, 6:
		tmp = int64(bigEndian(c.bytes(6))) - timeOfs
		return formatTime(tmp, dec), nil
	default:
		intPart = int64(bigEndian(c.bytes(3))) - timeIntOfs
		tmp = intPart << 24
	}
	if intPart == 0 && frac == 0 {
		return "00:00:00", nil
	}
	return formatTime(tmp, dec), nil
}

func formatTime(tmp int64, dec int) string {
	sign := ""
	if tmp < 0 {
		tmp = -tmp
		sign = "-"
	}
	hms := tmp >> 24
	hour := (hms >> 12) % (1 << 10)
	minute := (hms >> 6) % (1 << 6)
	second := hms % (1 << 6)
	secPart := tmp % (1 << 24)
	if secPart != 0 && dec > 0 {
		s := fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, hour, minute, second, secPart)
		return s[:len(s)-(6-dec)]
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, hour, minute, second)
}

func formatZeroTime(frac int64, dec int) string {
	if dec == 0 {
		return "0000-00-00 00:00:00"
	}
	s := fmt.Sprintf("0000-00-00 00:00:00.%06d", frac)
	return s[:len(s)-(6-dec)]
}
