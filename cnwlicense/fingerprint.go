package cnwlicense

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// InstanceIDEnv overrides the generated instance identifier when set.
const InstanceIDEnv = "CNW_INSTANCE_ID"

// instanceNamespace scopes generated identifiers so they never collide with
// UUIDs derived from the same traits by other software.
var instanceNamespace = uuid.MustParse("6f1c3a52-9d0e-4b7a-8e61-2c4f5b9a7d30")

// InstanceID returns a stable identifier for this machine, suitable as the
// instance_id of an activation. It is a name-based UUID over the hostname,
// the sorted hardware addresses, OS, architecture and /etc/machine-id.
// The same machine yields the same value across reboots.
//
// Containers often lack stable hardware addresses. There the value falls
// back to the remaining traits; set CNW_INSTANCE_ID to pin it explicitly,
// for example to a Kubernetes pod name.
func InstanceID() (string, error) {
	if id := os.Getenv(InstanceIDEnv); id != "" {
		return id, nil
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	traits := []string{hostname}
	if macs, err := hardwareAddrs(); err == nil {
		traits = append(traits, macs...)
	}
	traits = append(traits, runtime.GOOS, runtime.GOARCH)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		traits = append(traits, strings.TrimSpace(string(machineID)))
	}
	return uuid.NewSHA1(instanceNamespace, []byte(strings.Join(traits, "|"))).String(), nil
}

// hardwareAddrs returns sorted, non-loopback hardware addresses.
func hardwareAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	slices.Sort(macs)
	return macs, nil
}
