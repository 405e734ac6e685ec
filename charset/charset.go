// Package charset converts statement text and string values logged under a
// MySQL character set to and from UTF-8.
package charset

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

var ErrUnsupported = errors.New("unsupported charset")

// ID is a MySQL character set.
type ID uint8

const (
	Unspecified ID = iota
	ASCII
	Latin1
	UTF8MB3
	UTF8MB4
	UCS2
	UTF16
	UTF16LE
	UTF32
	GB2312
	GBK
	GB18030
	Big5
	Binary
)

var names = [...]string{
	Unspecified: "unspecified",
	ASCII:       "ascii",
	Latin1:      "latin1",
	UTF8MB3:     "utf8mb3",
	UTF8MB4:     "utf8mb4",
	UCS2:        "ucs2",
	UTF16:       "utf16",
	UTF16LE:     "utf16le",
	UTF32:       "utf32",
	GB2312:      "gb2312",
	GBK:         "gbk",
	GB18030:     "gb18030",
	Big5:        "big5",
	Binary:      "binary",
}

func (id ID) String() string {
	if int(id) < len(names) {
		return names[id]
	}
	return fmt.Sprintf("charset(%d)", uint8(id))
}

// collationRanges maps MariaDB/MySQL collation ids to their character set.
// Ids not listed resolve to Unspecified.
var collationRanges = []struct {
	from, to uint64
	id       ID
}{
	{1, 1, Big5}, {84, 84, Big5},
	{5, 5, Latin1}, {8, 8, Latin1}, {15, 15, Latin1}, {31, 31, Latin1},
	{47, 49, Latin1}, {94, 94, Latin1},
	{11, 11, ASCII}, {65, 65, ASCII},
	{24, 24, GB2312}, {86, 86, GB2312},
	{28, 28, GBK}, {87, 87, GBK},
	{33, 33, UTF8MB3}, {83, 83, UTF8MB3}, {192, 223, UTF8MB3},
	{35, 35, UCS2}, {90, 90, UCS2}, {128, 159, UCS2},
	{45, 46, UTF8MB4}, {224, 247, UTF8MB4}, {255, 255, UTF8MB4},
	{54, 55, UTF16}, {101, 124, UTF16},
	{56, 56, UTF16LE}, {62, 62, UTF16LE},
	{60, 61, UTF32}, {160, 183, UTF32},
	{63, 63, Binary},
	{248, 250, GB18030},
}

// FromCollation returns the character set of a collation id, as logged in
// Query event status variables and table map charset metadata.
func FromCollation(collation uint64) ID {
	for _, r := range collationRanges {
		if collation >= r.from && collation <= r.to {
			return r.id
		}
	}
	// MariaDB 10.10+ utf8mb4 UCA-14 collations.
	if collation >= 2048 && collation < 2304 {
		return UTF8MB4
	}
	return Unspecified
}

func IsSupported(id ID) bool {
	return id != Binary && int(id) < len(names)
}

func IsUTF8(id ID) bool {
	switch id {
	case Unspecified, ASCII, UTF8MB3, UTF8MB4:
		return true
	}
	return false
}

func IsSupportedNonUTF8(id ID) bool {
	return IsSupported(id) && !IsUTF8(id)
}

func encodingOf(id ID) (encoding.Encoding, error) {
	switch id {
	case Latin1:
		// https://dev.mysql.com/doc/refman/8.4/en/charset-we-sets.html
		// > MySQL's latin1 is the same as the Windows cp1252 character set.
		return charmap.Windows1252, nil
	case UCS2, UTF16:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), nil
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	case UTF32:
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), nil
	// https://dev.mysql.com/doc/refman/8.4/en/faqs-cjk.html
	case GB2312, GBK:
		return simplifiedchinese.GBK, nil
	case GB18030:
		return simplifiedchinese.GB18030, nil
	case Big5:
		return traditionalchinese.Big5, nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrUnsupported)
}

func Decode(id ID, encoded string) (string, error) {
	if IsUTF8(id) {
		return encoded, nil
	}
	enc, err := encodingOf(id)
	if err != nil {
		return encoded, err
	}
	return enc.NewDecoder().String(encoded)
}

func Encode(id ID, utf8 string) (string, error) {
	if IsUTF8(id) {
		return utf8, nil
	}
	enc, err := encodingOf(id)
	if err != nil {
		return utf8, err
	}
	return enc.NewEncoder().String(utf8)
}

// DecodeCollation decodes text logged under the given collation id. Binary
// and unknown collations are passed through unchanged.
func DecodeCollation(collation uint64, encoded string) string {
	id := FromCollation(collation)
	if !IsSupportedNonUTF8(id) {
		return encoded
	}
	s, err := Decode(id, encoded)
	if err != nil {
		return encoded
	}
	return s
}
