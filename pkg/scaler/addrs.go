package scaler

import "net"

// LocalAddrs returns every IP bound to a local interface.
func LocalAddrs() (map[string]struct{}, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		switch v := a.(type) {
		case *net.IPNet:
			out[v.IP.String()] = struct{}{}
		case *net.IPAddr:
			out[v.IP.String()] = struct{}{}
		}
	}
	return out, nil
}
