package oms

import (
	"mime"
	"unicode/utf8"

	"golang.org/x/text/encoding/korean"
)

// filenameFromDisposition extracts the filename from a Content-Disposition
// header value. The vendor serves raw EUC-KR (sometimes UTF-8) filename
// bytes which net/http hands us as if they were Latin-1, so the string must
// be folded back to bytes and re-decoded before use. Returns "" when the
// header carries no usable filename.
func filenameFromDisposition(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	return repairEncoding(name)
}

// repairEncoding undoes the Latin-1 mis-decode: every rune below U+0100 maps
// back to a single byte, then the byte string is interpreted as UTF-8 first
// and EUC-KR second. Strings containing runes above U+00FF were decoded
// correctly in the first place and pass through untouched.
func repairEncoding(s string) string {
	raw := make([]byte, 0, len(s))
	ascii := true
	for _, r := range s {
		if r > 0xFF {
			return s
		}
		if r > 0x7F {
			ascii = false
		}
		raw = append(raw, byte(r))
	}
	if ascii {
		return s
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	if dec, err := korean.EUCKR.NewDecoder().Bytes(raw); err == nil {
		return string(dec)
	}
	return s
}
