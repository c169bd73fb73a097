// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"strings"

	"github.com/UpflowLabs/upflow/pkg/uperr"
)

// MaxFilenameLength bounds filenames accepted into a session.
const MaxFilenameLength = 255

// Windows reserved device names are rejected regardless of the server
// platform so artifacts stay portable.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// ValidateFilename rejects names that could escape the storage root or
// break downstream tooling: traversal sequences, path separators,
// control bytes, reserved device names, and over-long names.
func ValidateFilename(name string) error {
	if name == "" {
		return uperr.New(uperr.KindValidation, "filename is required")
	}
	if len(name) > MaxFilenameLength {
		return uperr.Newf(uperr.KindValidation, "filename exceeds %d characters", MaxFilenameLength)
	}
	if strings.Contains(name, "..") {
		return uperr.New(uperr.KindValidation, "filename must not contain traversal sequences")
	}
	if strings.ContainsAny(name, "/\\") {
		return uperr.New(uperr.KindValidation, "filename must not contain path separators")
	}
	if strings.ContainsRune(name, 0) {
		return uperr.New(uperr.KindValidation, "filename must not contain null bytes")
	}

	base := strings.ToLower(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if _, ok := reservedNames[base]; ok {
		return uperr.Newf(uperr.KindValidation, "filename %q is a reserved device name", name)
	}
	return nil
}
