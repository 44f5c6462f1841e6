package netutil

import (
	"fmt"
	"os"
	"strings"

	"go.f110.dev/xerrors"
)

const (
	IPAddressEnvKey = "MY_IP_ADDRESS"
	NamespaceEnvKey = "MY_NAMESPACE"
)

var ResolvFile = "/etc/resolv.conf"

// GetHostname returns the name by which the peers can reach this instance.
// On Kubernetes, it is the DNS name of the pod which is built from the downward API.
func GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", xerrors.WithStack(err)
	}

	if os.Getenv(IPAddressEnvKey) != "" && os.Getenv(NamespaceEnvKey) != "" {
		clusterDomain, err := GetClusterDomain()
		if err != nil {
			return "", err
		}

		h := strings.ReplaceAll(os.Getenv(IPAddressEnvKey), ".", "-")
		hostname = fmt.Sprintf("%s.%s.pod.%s", h, os.Getenv(NamespaceEnvKey), clusterDomain)
	}

	return hostname, nil
}

// GetClusterDomain returns the last search domain of resolv.conf.
func GetClusterDomain() (string, error) {
	b, err := os.ReadFile(ResolvFile)
	if err != nil {
		return "", xerrors.WithStack(err)
	}
	searchDomains := ""
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "search ") {
			continue
		}
		searchDomains = strings.TrimPrefix(line, "search ")
	}
	d := strings.Fields(searchDomains)
	if len(d) == 0 {
		return "", xerrors.Newf("netutil: search domain is not found in %s", ResolvFile)
	}

	return d[len(d)-1], nil
}
