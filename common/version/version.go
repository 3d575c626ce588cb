package version

import version2 "github.com/hashicorp/go-version"

// Version is the taskflow build version.  It is overridden at link time.
var Version = "v0.0.0-dev"

// NatsVersion is the minimum NATS server version supported by the NATS storage backend and transport.
var NatsVersion, _ = version2.NewVersion("v2.10.12")

// Compatible reports whether a server version string is at least the minimum.
func Compatible(minimum *version2.Version, actual string) (bool, error) {
	v, err := version2.NewVersion(actual)
	if err != nil {
		return false, err
	}
	return v.GreaterThanOrEqual(minimum), nil
}
