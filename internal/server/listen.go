package server

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/joshu-sajeev/fleetq/internal/config"
)

// ListenUnix creates the control socket, removing any stale socket file
// left by a previous run. Only the owning user may connect.
func ListenUnix(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	return ln, nil
}

// interfaceAddrs is swapped in tests.
var interfaceAddrs = net.InterfaceAddrs

// ListenCattle binds the cattle API. The address must pass
// config.CheckCattleAddr and be assigned to a local interface.
func ListenCattle(addr string) (net.Listener, error) {
	if err := config.CheckCattleAddr(addr); err != nil {
		return nil, err
	}

	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing CATTLE_ADDR %q: %w", addr, err)
	}
	local, err := isLocalAddr(ap.Addr())
	if err != nil {
		return nil, err
	}
	if !local {
		return nil, fmt.Errorf("CATTLE_ADDR %s is not assigned to a local interface", ap.Addr())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

func isLocalAddr(ip netip.Addr) (bool, error) {
	addrs, err := interfaceAddrs()
	if err != nil {
		return false, fmt.Errorf("listing interface addresses: %w", err)
	}

	ip = ip.Unmap().WithZone("")
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if prefix.Addr().Unmap() == ip {
			return true, nil
		}
	}
	return false, nil
}
