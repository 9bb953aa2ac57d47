package asmv

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the protocol version this module speaks. It is sent on
// every invoke request and advertised in service manifests.
const ProtocolVersion = "1.0.0"

// supportedRange is the version range a peer must satisfy.
const supportedRange = "1.x"

var versionConstraint = mustConstraint(supportedRange)

func mustConstraint(r string) *semver.Constraints {
	c, err := semver.NewConstraint(r)
	if err != nil {
		panic(fmt.Sprintf("asmv: invalid version constraint %q: %v", r, err))
	}
	return c
}

// SupportedVersions lists the version ranges this module accepts. The list
// is included in VersionNotSupported error details so peers can discover a
// compatible version.
func SupportedVersions() []string {
	return []string{supportedRange}
}

// CheckVersion verifies that a peer protocol version is supported. It
// returns a MessageError named VersionNotSupported otherwise.
func CheckVersion(version string) error {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return newVersionNotSupported(version)
	}
	if !versionConstraint.Check(v) {
		return newVersionNotSupported(version)
	}
	return nil
}

func newVersionNotSupported(version string) *MessageError {
	return &MessageError{
		Name:    NameVersionNotSupported,
		Message: fmt.Sprintf("protocol version %q is not supported", version),
		Details: map[string]any{
			"requestedVersion":  version,
			"supportedVersions": SupportedVersions(),
		},
	}
}
