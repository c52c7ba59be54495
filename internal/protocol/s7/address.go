package s7

import (
	"fmt"
	"strconv"
	"strings"
)

// address is a parsed S7 data block location.
type address struct {
	db       int
	offset   int
	bit      int // -1 when not a bit address
	dataType string
	size     int
}

// typeSizes maps payload types to their byte width on the wire.
var typeSizes = map[string]int{
	"bool":   1,
	"byte":   1,
	"sint":   1,
	"usint":  1,
	"int":    2,
	"word":   2,
	"dint":   4,
	"dword":  4,
	"real":   4,
	"string": 256,
}

// widthTypes maps the area width letter to its default payload type.
var widthTypes = map[byte]string{
	'X': "bool",
	'B': "byte",
	'W': "int",
	'D': "dword",
}

// parseAddress parses an S7 tag name of the form
//
//	DB<n>.DB<X|B|W|D><offset>[.<bit>][:<type>]
//
// S7 controllers have no tag browse service, so the tag name carries
// the absolute address. Examples:
//
//	DB10.DBD4:real     REAL at byte 4 of DB10
//	DB10.DBW8          INT at byte 8
//	DB10.DBX0.3        BOOL, bit 3 of byte 0
//	DB20.DBD0:dint     DINT at byte 0 of DB20
func parseAddress(name string) (address, error) {
	addr := address{bit: -1}

	spec := name
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		addr.dataType = strings.ToLower(spec[i+1:])
		spec = spec[:i]
	}

	parts := strings.Split(spec, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return address{}, fmt.Errorf("malformed address %q", name)
	}

	dbPart := strings.ToUpper(parts[0])
	if !strings.HasPrefix(dbPart, "DB") {
		return address{}, fmt.Errorf("address %q: expected DB<n> prefix", name)
	}
	db, err := strconv.Atoi(dbPart[2:])
	if err != nil || db < 0 {
		return address{}, fmt.Errorf("address %q: bad data block number", name)
	}
	addr.db = db

	locPart := strings.ToUpper(parts[1])
	if len(locPart) < 4 || !strings.HasPrefix(locPart, "DB") {
		return address{}, fmt.Errorf("address %q: expected DB<X|B|W|D><offset>", name)
	}
	width := locPart[2]
	defaultType, ok := widthTypes[width]
	if !ok {
		return address{}, fmt.Errorf("address %q: unknown width %q", name, string(width))
	}
	offset, err := strconv.Atoi(locPart[3:])
	if err != nil || offset < 0 {
		return address{}, fmt.Errorf("address %q: bad byte offset", name)
	}
	addr.offset = offset

	if len(parts) == 3 {
		if width != 'X' {
			return address{}, fmt.Errorf("address %q: bit index only valid on DBX", name)
		}
		bit, err := strconv.Atoi(parts[2])
		if err != nil || bit < 0 || bit > 7 {
			return address{}, fmt.Errorf("address %q: bit index must be 0-7", name)
		}
		addr.bit = bit
	} else if width == 'X' {
		addr.bit = 0
	}

	if addr.dataType == "" {
		addr.dataType = defaultType
	}
	size, ok := typeSizes[addr.dataType]
	if !ok {
		return address{}, fmt.Errorf("address %q: unsupported type %q", name, addr.dataType)
	}
	addr.size = size

	if addr.dataType == "bool" && addr.bit < 0 {
		addr.bit = 0
	}

	return addr, nil
}
