package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SetupConnections creates a client per address. Empty addresses, usually
// the local peer, get a nil connection.
func SetupConnections(peerAddrs []string) ([]*grpc.ClientConn, func() error, error) {
	var err error
	conns := make([]*grpc.ClientConn, len(peerAddrs))
	for i, addr := range peerAddrs {
		if addr == "" {
			continue
		}
		conn, clientError := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if clientError != nil {
			err = errors.Join(err, clientError)
			for j := range i {
				if conns[j] == nil {
					continue
				}
				if closeErr := conns[j].Close(); closeErr != nil {
					err = errors.Join(err, fmt.Errorf("failed to close peer %d connections: %w", j, closeErr))
				}
			}
			return nil, nil, err
		}
		conns[i] = conn
	}

	closeFunc := func() error {
		var cferr error
		for i, conn := range conns {
			if conn == nil {
				continue
			}
			if cerr := conn.Close(); cerr != nil {
				cferr = errors.Join(cferr, fmt.Errorf("failed to close peer %d connections: %w", i, cerr))
			}
		}
		return cferr
	}

	return conns, closeFunc, nil
}
