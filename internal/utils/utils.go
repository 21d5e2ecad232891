package utils

import (
	"bytes"
	"os"
	"regexp"

	// Using this as it is better maintained
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var credentialsPattern = regexp.MustCompile(`//.+@`)

// RedactURI hides the user info of a connection string so it can be logged.
func RedactURI(uri string) string {
	return credentialsPattern.ReplaceAllString(uri, "//<REDACTED>@")
}

// DecodeMsgPack reverses the encode operation on a byte slice input
func DecodeMsgPack(buf []byte, out interface{}) error {
	r := bytes.NewBuffer(buf)
	hd := codec.MsgpackHandle{}
	dec := codec.NewDecoder(r, &hd)
	return dec.Decode(out)
}

// EncodeMsgPack writes an encoded object to a new bytes buffer
func EncodeMsgPack(in interface{}) (*bytes.Buffer, error) {
	buf := bytes.NewBuffer(nil)
	hd := codec.MsgpackHandle{}
	enc := codec.NewEncoder(buf, &hd)
	err := enc.Encode(in)
	return buf, err
}

// PathExists returns true if the given path exists.
func PathExists(p string) bool {
	if _, err := os.Lstat(p); err != nil && os.IsNotExist(err) {
		return false
	}
	return true
}
