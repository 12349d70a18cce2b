package fdsrv

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// dialEventually connects to the abstract socket, retrying until the
// server goroutine has started listening.
func dialEventually(t *testing.T, socket string) *net.UnixConn {
	t.Helper()
	var (
		conn net.Conn
		err  error
	)
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", "@"+socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "server never came up: %v", err)
	return conn.(*net.UnixConn)
}

// recvFD reads one message from the connection and extracts the passed
// descriptor, if any.
func recvFD(t *testing.T, conn *net.UnixConn) (int, bool) {
	t.Helper()
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil || oobn == 0 {
		return -1, false
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	fds, err := unix.ParseUnixRights(&msgs[0])
	require.NoError(t, err)
	require.Len(t, fds, 1)
	return fds[0], true
}

func startServer(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestServeDirectoryDescriptor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0644))

	s := &Server{
		Socket:    fmt.Sprintf("fdsrv-test-%d", os.Getpid()),
		ClientUID: os.Getuid(),
		Path:      dir,
	}
	startServer(t, s)

	conn := dialEventually(t, s.Socket)
	defer conn.Close()

	fd, ok := recvFD(t, conn)
	require.True(t, ok, "expected a descriptor")
	defer unix.Close(fd)

	// the descriptor refers to the served directory
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	require.Equal(t, uint32(unix.S_IFDIR), st.Mode&unix.S_IFMT)

	fc, err := os.ReadFile(fmt.Sprintf("/proc/self/fd/%d/hello.txt", fd))
	require.NoError(t, err)
	require.Equal(t, "hi", string(fc))
}

func TestServeRejectsUnexpectedUID(t *testing.T) {
	s := &Server{
		Socket:    fmt.Sprintf("fdsrv-reject-%d", os.Getpid()),
		ClientUID: os.Getuid() + 1,
		Path:      t.TempDir(),
	}
	startServer(t, s)

	conn := dialEventually(t, s.Socket)
	defer conn.Close()

	_, ok := recvFD(t, conn)
	require.False(t, ok, "descriptor must not be handed to the wrong uid")
}

func TestServeSurvivesMultipleClients(t *testing.T) {
	s := &Server{
		Socket:    fmt.Sprintf("fdsrv-multi-%d", os.Getpid()),
		ClientUID: os.Getuid(),
		Path:      t.TempDir(),
	}
	startServer(t, s)

	for i := 0; i < 3; i++ {
		conn := dialEventually(t, s.Socket)
		fd, ok := recvFD(t, conn)
		require.True(t, ok, "client %d got no descriptor", i)
		unix.Close(fd)
		conn.Close()
	}
}

func TestServeFailsOnMissingPath(t *testing.T) {
	s := &Server{
		Socket: "fdsrv-missing",
		Path:   filepath.Join(t.TempDir(), "does-not-exist"),
	}
	err := s.Serve(context.Background())
	require.Error(t, err)
}
