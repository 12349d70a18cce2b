// Package fdsrv grants build containers a handle to a host directory
// without a writable mount: it serves a read-only directory descriptor
// over an abstract unix socket, to be claimed by a peer with the expected
// uid.
package fdsrv

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Server passes a read-only descriptor for Path to clients connecting on
// the abstract socket Socket.
type Server struct {
	// Socket is the abstract socket name, without the leading NUL byte.
	Socket string
	// ClientUID is the only peer uid allowed to claim the descriptor.
	ClientUID int
	// Path is the directory whose descriptor is served.
	Path string
}

// Serve accepts connections until ctx is done. Individual client failures
// are logged and do not stop the server.
func (s *Server) Serve(ctx context.Context) error {
	fd, err := unix.Open(s.Path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return xerrors.Errorf("cannot open %s: %w", s.Path, err)
	}
	defer unix.Close(fd)

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", "@"+s.Socket)
	if err != nil {
		return xerrors.Errorf("cannot listen on socket %s: %w", s.Socket, err)
	}
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("cannot accept on socket %s: %w", s.Socket, err)
		}
		s.handle(conn.(*net.UnixConn), fd)
	}
}

func (s *Server) handle(conn *net.UnixConn, fd int) {
	defer conn.Close()

	cred, err := peerCred(conn)
	if err != nil {
		log.WithError(err).WithField("socket", s.Socket).Warn("cannot identify descriptor client")
		return
	}
	if int(cred.Uid) != s.ClientUID {
		log.WithFields(log.Fields{
			"socket": s.Socket,
			"uid":    cred.Uid,
			"want":   s.ClientUID,
		}).Warn("rejecting descriptor request from unexpected uid")
		return
	}

	rights := unix.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		log.WithError(err).WithField("socket", s.Socket).Warn("cannot send descriptor")
	}
}

func peerCred(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	return cred, credErr
}
