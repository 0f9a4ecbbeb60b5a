// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proto

import "bytes"

// NamePayload returns the fixed width name field. Names longer than the
// field are truncated so the last byte always stays zero.
func NamePayload(name string) []byte {
	b := make([]byte, MaxVdiLen)
	putString(b, name)

	return b
}

// LookupPayload returns the name field followed by the tag field. An empty
// tag addresses the head of the volume.
func LookupPayload(name, tag string) []byte {
	b := make([]byte, MaxVdiLen+MaxVdiTagLen)
	putString(b[:MaxVdiLen], name)
	putString(b[MaxVdiLen:], tag)

	return b
}

// TagPayload returns the fixed width tag field.
func TagPayload(tag string) []byte {
	b := make([]byte, MaxVdiTagLen)
	putString(b, tag)

	return b
}

// String decodes a zero terminated fixed width field.
func String(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

func putString(dst []byte, s string) {
	copy(dst[:len(dst)-1], s)
}
