// ABOUTME: Classifies pairing devices from their user-agent string
// ABOUTME: Keeps substring heuristics in one place instead of scattered across handlers

package device

import "strings"

// Class is a closed set of device categories.
type Class string

const (
	Kobo    Class = "kobo"
	Kindle  Class = "kindle"
	EReader Class = "ereader" // Tolino, PocketBook and other generic readers
	Other   Class = "other"
)

// genericReaders are user-agent fragments of e-readers without a dedicated class.
var genericReaders = []string{"tolino", "pocketbook", "nook", "boox", "remarkable"}

// Classify returns the device class for a user-agent string.
func Classify(userAgent string) Class {
	if strings.Contains(userAgent, "Kobo") {
		return Kobo
	}
	if strings.Contains(userAgent, "Kindle") {
		return Kindle
	}
	lower := strings.ToLower(userAgent)
	for _, frag := range genericReaders {
		if strings.Contains(lower, frag) {
			return EReader
		}
	}
	return Other
}

// IsEReader reports whether the class is any kind of e-reader.
func (c Class) IsEReader() bool {
	return c == Kobo || c == Kindle || c == EReader
}

// StrictFilenames reports whether the device's browser mangles or rejects
// downloads whose suggested filename contains non-ASCII or shell-special characters.
func (c Class) StrictFilenames() bool {
	return c.IsEReader()
}

func (c Class) String() string { return string(c) }
