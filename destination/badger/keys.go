package badger

import "strings"

// Key prefixes for the stored data types.
const (
	elementPrefix = "docel:"
	fileSep       = "\x00"
)

// makeElementKey generates the primary key for an element of a file.
// Format: prefix + fileName + NUL + elementID
func makeElementKey(fileName, elementID string) []byte {
	return []byte(elementPrefix + fileName + fileSep + elementID)
}

// makeFilePrefix generates the prefix shared by all element keys of a file.
func makeFilePrefix(fileName string) []byte {
	return []byte(elementPrefix + fileName + fileSep)
}

// elementIDFromKey extracts the element id from an element key.
func elementIDFromKey(key []byte) string {
	s := string(key)
	if i := strings.LastIndex(s, fileSep); i >= 0 {
		return s[i+len(fileSep):]
	}
	return ""
}
